package reasoning

import "strings"

const instructions = `You are an expert clinical analyst preparing a case review for physicians.
Use only the documents and transcripts provided. If a fact is absent write "Not provided";
if a value is present but unreadable write "Unclear in source". Use reference ranges from the
source reports only. Label partially supported diagnoses as "working hypothesis". Never advise
starting, stopping or changing a medication directly; phrase medication effects as
considerations for the physician. Never include a patient name; refer to the case code.

Respond with a single JSON object with these keys:
  riskLevel            one of Critical, High, Moderate, Low
  riskRationale        string
  executiveSummary     string, two or three sentences
  patientSnapshot      object: age, sex, chiefComplaint, relevantHistory (array)
  vitalSigns           object of strings
  abnormalFindings     array of {finding, severity, source}
  systemCorrelations   array of {correlation, systems, clinicalSignificance}
  medicationImpacts    array of {medication, drugClass, possibleSideEffects, considerations}
  redFlags             array of {flag, urgency, recommendedAction}
  providerDataGaps     array of {missingItem, whyItMatters, suggestedQuestion, priority}
  diagnosticRecommendations array of {test, rationale, priority}
  followUpPlan         object: timing, metrics (array), goals (array)`

// BuildPrompt renders the analysis request for b.
func BuildPrompt(b Bundle) string {
	var sb strings.Builder
	sb.WriteString(instructions)
	sb.WriteString("\n\nCase code: ")
	sb.WriteString(b.CaseCode)
	sb.WriteString("\n\nDOCUMENTS:\n")
	sb.WriteString(orNone(b.Documents))
	sb.WriteString("\n\nTRANSCRIPTS:\n")
	sb.WriteString(orNone(b.Transcripts))
	sb.WriteString("\n")
	return sb.String()
}

func orNone(s string) string {
	if strings.TrimSpace(s) == "" {
		return "(none)"
	}
	return s
}
