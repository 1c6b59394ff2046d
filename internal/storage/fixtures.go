package storage

import (
	"encoding/json"
	"time"
)

type fixtureSet struct {
	cases       []Case
	files       []File
	artifacts   []Artifact
	transcripts []Transcript
	runs        []AnalysisRun
}

func (m *MemoryStore) seed(fx fixtureSet) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, c := range fx.cases {
		m.cases[c.ID] = c
	}
	for _, f := range fx.files {
		m.files[f.ID] = f
	}
	for _, a := range fx.artifacts {
		m.artifacts[a.FileID] = append(m.artifacts[a.FileID], a)
	}
	for _, t := range fx.transcripts {
		m.transcripts[t.CaseID] = append(m.transcripts[t.CaseID], t)
	}
	for _, r := range fx.runs {
		m.runs[r.CaseID] = append(m.runs[r.CaseID], r)
	}
}

// Fixture case identifiers, stable across restarts.
const (
	FixtureCompletedCaseID = "6f1c2a8e-0d4b-4c57-9a3e-1b2f7d9c0a01"
	FixtureDraftCaseID     = "6f1c2a8e-0d4b-4c57-9a3e-1b2f7d9c0a02"
	FixtureAnalyzingCaseID = "6f1c2a8e-0d4b-4c57-9a3e-1b2f7d9c0a03"
)

func fixtures() fixtureSet {
	day := func(d, h int) time.Time {
		return time.Date(2025, time.January, d, h, 0, 0, 0, time.UTC)
	}

	labs := File{
		ID: "7a2d3b9f-1e5c-4d68-8b4f-2c3a8e0d1b01", CaseID: FixtureCompletedCaseID,
		Filename: "lab-results.pdf", MediaType: "application/pdf", Size: 245760,
		Locator: "fixture://lab-results.pdf", Status: FileReady,
		CreatedAt: day(15, 10), UpdatedAt: day(15, 10),
	}
	intake := File{
		ID: "7a2d3b9f-1e5c-4d68-8b4f-2c3a8e0d1b02", CaseID: FixtureCompletedCaseID,
		Filename:  "patient-intake.docx",
		MediaType: "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
		Size:      51200, Locator: "fixture://patient-intake.docx", Status: FileReady,
		CreatedAt: day(15, 11), UpdatedAt: day(15, 11),
	}
	vitals := File{
		ID: "7a2d3b9f-1e5c-4d68-8b4f-2c3a8e0d1b03", CaseID: FixtureAnalyzingCaseID,
		Filename: "vital-signs.jpg", MediaType: "image/jpeg", Size: 1048576,
		Locator: "fixture://vital-signs.jpg", Status: FileReady,
		CreatedAt: day(20, 9), UpdatedAt: day(20, 9),
	}

	output, _ := json.Marshal(map[string]any{
		"riskLevel":        "Moderate",
		"riskRationale":    "Elevated fasting glucose and LDL without documented cardiovascular events.",
		"executiveSummary": "Adult patient with borderline glycemic control and dyslipidemia. Blood pressure and medication list are incomplete.",
		"abnormalFindings": []map[string]string{
			{"finding": "Fasting glucose 118 mg/dL", "severity": "Moderate", "source": "lab-results.pdf"},
			{"finding": "LDL cholesterol 162 mg/dL", "severity": "Moderate", "source": "lab-results.pdf"},
		},
		"providerDataGaps": []map[string]string{
			{"missingItem": "Blood pressure", "whyItMatters": "Required for cardiovascular risk scoring", "priority": "Essential"},
		},
	})

	return fixtureSet{
		cases: []Case{
			{ID: FixtureCompletedCaseID, Code: "CASE-2025-0001", Status: CaseCompleted, CreatedAt: day(15, 9), UpdatedAt: day(15, 12)},
			{ID: FixtureDraftCaseID, Code: "CASE-2025-0002", Status: CaseDraft, CreatedAt: day(18, 14), UpdatedAt: day(18, 14)},
			{ID: FixtureAnalyzingCaseID, Code: "CASE-2025-0003", Status: CaseAnalyzing, CreatedAt: day(20, 8), UpdatedAt: day(20, 9)},
		},
		files: []File{labs, intake, vitals},
		artifacts: []Artifact{
			{
				ID: "8b3e4c0a-2f6d-4e79-9c5a-3d4b9f1e2c01", FileID: labs.ID, Kind: ArtifactText, Status: ArtifactCompleted,
				Content:   "Comprehensive metabolic panel\nGlucose, fasting: 118 mg/dL (70-99)\nLDL cholesterol: 162 mg/dL (<100)\nHbA1c: 6.1 % (4.0-5.6)",
				CreatedAt: day(15, 10),
			},
			{
				ID: "8b3e4c0a-2f6d-4e79-9c5a-3d4b9f1e2c02", FileID: intake.ID, Kind: ArtifactText, Status: ArtifactCompleted,
				Content:   "Chief complaint: fatigue for three months.\nMedications: metformin 500 mg daily.\nFamily history: type 2 diabetes (father).",
				CreatedAt: day(15, 11),
			},
			{
				ID: "8b3e4c0a-2f6d-4e79-9c5a-3d4b9f1e2c03", FileID: vitals.ID, Kind: ArtifactOCR, Status: ArtifactCompleted,
				Content:   "BP 138/88 mmHg, HR 76 bpm, SpO2 98 %",
				CreatedAt: day(20, 9),
			},
		},
		transcripts: []Transcript{
			{
				ID: "9c4f5d1b-3a7e-4f8a-8d6b-4e5c0a2f3d01", CaseID: FixtureCompletedCaseID, Source: SourceLiveMic,
				Content:   "Patient reports mild fatigue and occasional headaches over the past two weeks.",
				CreatedAt: day(15, 11),
			},
		},
		runs: []AnalysisRun{
			{
				ID: "ad5a6e2c-4b8f-4a9b-9e7c-5f6d1b3a4e01", CaseID: FixtureCompletedCaseID,
				Provider: "gemini", Model: "gemini-1.5-pro", Output: output,
				CreatedAt: day(15, 12),
			},
		},
	}
}
