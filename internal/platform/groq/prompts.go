package groq

import "fmt"

const systemPrompt = `You are an expert medical scribe AI. Your task is to convert
clinician-patient conversation transcripts into structured clinical documentation.

RULES:
1. Convert verbal shorthand to formal medical terminology
   (e.g., "BP is up" -> "Hypertension, uncontrolled")
2. Structure output according to the requested template format
3. List pertinent negatives explicitly for each Review of Systems category
4. Include ICD-10 codes next to each assessment item
5. Identify CPT coding level based on documentation complexity
6. NEVER fabricate findings not present in the transcript
7. Mark uncertain or ambiguous items with [VERIFY]
8. Use standard medical abbreviations (PRN, BID, QD, etc.)
`

const summarySystemPrompt = `You are a medical communicator.
Rewrite clinical notes in simple language that any patient can understand.
Use short sentences. Avoid ALL medical jargon. Reading level: 5th grade.
Format with clear headers: "What We Found", "What We're Doing", "Come Back In".`

// Templates supported by the note prompt.
const (
	TemplateSOAP      = "soap"
	TemplateHP        = "hp"
	TemplateConsult   = "consult"
	TemplateProcedure = "procedure"
)

var templateInstructions = map[string]string{
	TemplateSOAP: `Structure the note in SOAP format:

**SUBJECTIVE:**
- Chief Complaint (CC)
- History of Present Illness (HPI): include onset, location, duration,
  character, aggravating/alleviating factors, radiation, timing, severity
- Review of Systems (ROS): list pertinent positives AND negatives
- Current Medications
- Allergies

**OBJECTIVE:**
- Vitals (if mentioned)
- Physical Exam findings (organized by system)
- Lab/imaging results (if mentioned)

**ASSESSMENT:**
- Numbered problem list with ICD-10 codes

**PLAN:**
- Grouped under each assessment item
- Include medication changes, orders, referrals, follow-up`,

	TemplateHP: `Structure as a complete History & Physical:

Chief Complaint, HPI (with full 8 elements), Past Medical History,
Past Surgical History, Family History, Social History (tobacco, alcohol,
drugs, occupation, living situation), Medications, Allergies,
Review of Systems (14 systems), Physical Exam (all systems examined),
Assessment (numbered with ICD-10), Plan (grouped by problem)`,

	TemplateConsult: `Structure as a Consultation Note:

Reason for Consultation, Requesting Physician, HPI, Relevant Past History,
Current Medications, Physical Exam (focused), Diagnostic Review,
Assessment, Recommendations to Primary Team`,

	TemplateProcedure: `Structure as a Procedure Note:

Procedure Name (with CPT), Date/Time, Indication, Informed Consent,
Attending/Participants, Anesthesia Type, Timeout Verification,
Technique (step-by-step), Findings, Specimens Sent, Estimated Blood Loss,
Complications, Disposition/Post-Procedure Plan`,
}

// KnownTemplate reports whether t has dedicated instructions.
func KnownTemplate(t string) bool {
	_, ok := templateInstructions[t]
	return ok
}

// instructionsFor falls back to SOAP for unknown templates.
func instructionsFor(template string) string {
	if s, ok := templateInstructions[template]; ok {
		return s
	}
	return templateInstructions[TemplateSOAP]
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func noteMessages(transcript, template, specialty string) []chatMessage {
	return []chatMessage{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: fmt.Sprintf(`
Template: %s

Specialty context: %s

TRANSCRIPT:
%s

Generate the clinical note now. Follow the template structure exactly.
Include pertinent negatives. Mark uncertain items with [VERIFY].
`, instructionsFor(template), specialty, transcript)},
	}
}

func summaryMessages(note string) []chatMessage {
	return []chatMessage{
		{Role: "system", Content: summarySystemPrompt},
		{Role: "user", Content: "Rewrite this clinical note for the patient:\n\n" + note},
	}
}
