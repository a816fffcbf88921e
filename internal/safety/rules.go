package safety

// Reference tables for the prescription checks. Drug keys are lower case.

type contraindication struct {
	condition   string
	severity    Severity
	message     string
	alternative []string
}

var contraindications = map[string][]contraindication{
	"metformin": {
		{"severe renal impairment", SeverityCritical, "Contraindicated if eGFR <30", []string{"Insulin therapy"}},
		{"severe hepatic impairment", SeverityHigh, "Use with caution in liver disease", []string{"Insulin therapy"}},
	},
	"lisinopril": {
		{"pregnancy", SeverityCritical, "Contraindicated in pregnancy", []string{"Methyldopa", "Labetalol", "Nifedipine"}},
		{"bilateral renal artery stenosis", SeverityHigh, "May cause acute renal failure", []string{"Calcium channel blocker"}},
	},
	"warfarin": {
		{"active bleeding", SeverityCritical, "Contraindicated with active bleeding", []string{"Mechanical prophylaxis"}},
		{"severe thrombocytopenia", SeverityHigh, "High bleeding risk", []string{"DOAC (apixaban)"}},
	},
}

// drugClasses maps an allergen class to the drugs that belong to it.
var drugClasses = map[string][]string{
	"penicillin":    {"amoxicillin", "ampicillin", "penicillin", "piperacillin"},
	"sulfa":         {"sulfamethoxazole", "sulfasalazine", "trimethoprim-sulfamethoxazole"},
	"ace inhibitor": {"lisinopril", "enalapril", "captopril", "ramipril"},
}

var allergyAlternatives = map[string][]string{
	"penicillin":    {"Cephalexin", "Azithromycin"},
	"sulfa":         {"Alternative antibiotic based on indication"},
	"ace inhibitor": {"ARB (losartan, valsartan)"},
}

// severeReactions upgrade an allergy match from high to critical.
var severeReactions = []string{"anaphyla", "angioedema", "severe", "stevens", "swelling"}

// renalThresholds is the eGFR below which the drug needs a dose adjustment.
var renalThresholds = map[string]float64{
	"metformin":        45,
	"digoxin":          30,
	"gabapentin":       30,
	"pregabalin":       30,
	"allopurinol":      30,
	"colchicine":       30,
	"sulfamethoxazole": 30,
	"trimethoprim":     30,
}

var renalAlternatives = map[string][]string{
	"metformin":  {"Insulin therapy", "DPP-4 inhibitor"},
	"gabapentin": {"Pregabalin (lower dose)"},
	"digoxin":    {"Beta-blocker", "Calcium channel blocker"},
}

// metforminEGFRFloor is where metformin moves from dose reduction to contraindication.
const metforminEGFRFloor = 30

const elderlyAge = 65

// doseRanges holds usual single doses in mg.
var doseRanges = map[string][2]float64{
	"metformin":    {500, 2000},
	"lisinopril":   {2.5, 40},
	"atorvastatin": {10, 80},
	"furosemide":   {20, 200},
}

var frequencies = []string{
	"once daily", "twice daily", "three times daily", "four times daily",
	"once a day", "twice a day", "three times a day", "four times a day",
	"daily", "bid", "tid", "qid", "prn", "qhs", "weekly",
}

// interactionAlternatives is offered when a prescription interacts with
// something the patient already takes.
var interactionAlternatives = map[string][]string{
	"warfarin":   {"DOAC (apixaban)"},
	"lisinopril": {"ARB (losartan)", "Calcium channel blocker"},
	"metformin":  {"Insulin therapy", "Sulfonylurea"},
}
