package core

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

const (
	maxQuestionImportSize    = 1 << 20
	maxQuestionImportEntries = 500
)

// questionBankDoc is the YAML layout accepted by the bank import:
//
//	questions:
//	  - name: ...
//	    description: ...
//	    image_url: ...
//	    difficulty: EASY|MEDIUM|HARD
//	    category: ...
type questionBankDoc struct {
	Questions []questionBankEntry `yaml:"questions"`
}

type questionBankEntry struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	ImageURL    string `yaml:"image_url"`
	Difficulty  string `yaml:"difficulty"`
	Category    string `yaml:"category"`
}

// ImportSkip names an entry left out of an import and why.
type ImportSkip struct {
	Index  int    `json:"index"`
	Name   string `json:"name"`
	Reason string `json:"reason"`
}

// ImportReport summarises one bank import.
type ImportReport struct {
	Created []Question   `json:"created"`
	Skipped []ImportSkip `json:"skipped"`
}

// ParseQuestionBank decodes and validates a YAML bank. Every invalid entry is
// reported; any error rejects the whole document.
func ParseQuestionBank(data []byte) ([]Question, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, newDomainError(KindValidation, "question bank is empty")
	}
	if len(data) > maxQuestionImportSize {
		return nil, newDomainError(KindValidation, "question bank is too large (1MiB max)")
	}

	var doc questionBankDoc
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, newDomainError(KindValidation, fmt.Sprintf("invalid yaml: %v", err))
	}
	if len(doc.Questions) == 0 {
		return nil, newDomainError(KindValidation, "questions list is empty")
	}
	if len(doc.Questions) > maxQuestionImportEntries {
		return nil, newDomainError(KindValidation, fmt.Sprintf("too many questions (max %d)", maxQuestionImportEntries))
	}

	var errs *multierror.Error
	out := make([]Question, 0, len(doc.Questions))
	for i, e := range doc.Questions {
		q, err := normalizeQuestion(Question{
			Name:        e.Name,
			Description: e.Description,
			ImageURL:    e.ImageURL,
			Difficulty:  Difficulty(e.Difficulty),
			Category:    e.Category,
		})
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("questions[%d]: %w", i, err))
			continue
		}
		out = append(out, q)
	}
	if err := errs.ErrorOrNil(); err != nil {
		return nil, newDomainError(KindValidation, err.Error())
	}
	return out, nil
}

// ImportQuestions creates each parsed question through the duplicate gate.
// Duplicates of stored questions or of earlier entries are skipped.
func (s *QuestionService) ImportQuestions(ctx context.Context, data []byte) (ImportReport, error) {
	qs, err := ParseQuestionBank(data)
	if err != nil {
		return ImportReport{}, err
	}

	report := ImportReport{Created: []Question{}, Skipped: []ImportSkip{}}
	var accepted []Question
	for i, q := range qs {
		if ContainsDuplicate(q, accepted) {
			report.Skipped = append(report.Skipped, ImportSkip{Index: i, Name: q.Name, Reason: "duplicate within upload"})
			continue
		}
		accepted = append(accepted, q)
		saved, err := s.CreateQuestion(ctx, q)
		if err != nil {
			if errors.Is(err, ErrDuplicateContent) {
				report.Skipped = append(report.Skipped, ImportSkip{Index: i, Name: q.Name, Reason: ErrDuplicateContent.Reason})
				continue
			}
			return report, fmt.Errorf("import questions[%d]: %w", i, err)
		}
		report.Created = append(report.Created, saved)
	}
	log.WithFields(log.Fields{"created": len(report.Created), "skipped": len(report.Skipped)}).Info("question bank imported")
	return report, nil
}

// QuestionBankTemplate is served for download as a starting point for imports.
const QuestionBankTemplate = `# Question bank. difficulty is one of EASY, MEDIUM, HARD.
questions:
  - name: "Capital of France"
    description: "Which city is the capital of France?"
    image_url: "https://example.com/images/paris.png"
    difficulty: EASY
    category: GEOGRAPHY
  - name: "Binary search"
    description: "What is the time complexity of binary search on a sorted array?"
    image_url: "https://example.com/images/binary-search.png"
    difficulty: MEDIUM
    category: ALGORITHMS
`
