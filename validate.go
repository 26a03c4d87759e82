package taskorch

import (
	"fmt"
	"strings"
)

// validateCreate normalizes and checks a create request before the lock is
// taken.
func (s *Store) validateCreate(in *CreateInput) error {
	in.Title = strings.TrimSpace(in.Title)
	if in.Title == "" {
		return &ErrValidation{Field: "title", Reason: "must not be empty"}
	}

	if in.Priority == "" {
		in.Priority = PriorityMedium
	}
	if !in.Priority.Valid() {
		return &ErrValidation{
			Field:  "priority",
			Reason: fmt.Sprintf("unknown priority %q", in.Priority),
		}
	}

	if in.Deadline != nil && !s.features.Deadlines {
		return featureDisabled("deadline", "deadlines")
	}
	if err := s.checkHours("estimated_hours", in.EstimatedHours); err != nil {
		return err
	}
	if err := s.checkCriteria(in.Criteria); err != nil {
		return err
	}

	seen := make(map[string]struct{}, len(in.DependsOn))
	deps := in.DependsOn[:0:0]
	for _, id := range in.DependsOn {
		id = strings.TrimSpace(id)
		if id == "" {
			return &ErrValidation{
				Field: "depends_on", Reason: "empty task id",
			}
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		deps = append(deps, id)
	}
	in.DependsOn = deps

	return nil
}

// validateUpdate checks everything about an update that does not depend on
// the stored task.
func (s *Store) validateUpdate(in *UpdateInput) error {
	if in.IsEmpty() {
		return &ErrValidation{Reason: "no fields to update"}
	}

	if in.Title != nil && strings.TrimSpace(*in.Title) == "" {
		return &ErrValidation{Field: "title", Reason: "must not be empty"}
	}
	if in.Priority != nil && !in.Priority.Valid() {
		return &ErrValidation{
			Field:  "priority",
			Reason: fmt.Sprintf("unknown priority %q", *in.Priority),
		}
	}
	if in.Status != "" && !in.Status.Valid() {
		return &ErrValidation{
			Field:  "status",
			Reason: fmt.Sprintf("unknown status %q", in.Status),
		}
	}

	if in.Deadline != nil && !s.features.Deadlines {
		return featureDisabled("deadline", "deadlines")
	}
	if err := s.checkHours("estimated_hours", in.EstimatedHours); err != nil {
		return err
	}
	if err := s.checkHours("actual_hours", in.ActualHours); err != nil {
		return err
	}
	if in.Criteria != nil {
		if err := s.checkCriteria(in.Criteria); err != nil {
			return err
		}
	}
	if err := s.checkFeedback(in.Feedback); err != nil {
		return err
	}
	if in.CompletionSummary != nil && !s.features.CompletionSummaries {
		return featureDisabled("completion_summary", "completion-summaries")
	}

	return nil
}

// validateComplete checks optional completion details.
func (s *Store) validateComplete(opts *CompleteOptions) error {
	if opts.Summary != "" && !s.features.CompletionSummaries {
		return featureDisabled("completion_summary", "completion-summaries")
	}
	if err := s.checkHours("actual_hours", opts.ActualHours); err != nil {
		return err
	}
	return s.checkFeedback(opts.Feedback)
}

func (s *Store) checkHours(field string, hours *float64) error {
	if hours == nil {
		return nil
	}
	if !s.features.TimeTracking {
		return featureDisabled(field, "time-tracking")
	}
	if *hours < 0 {
		return &ErrValidation{Field: field, Reason: "must not be negative"}
	}
	return nil
}

func (s *Store) checkCriteria(criteria []Criterion) error {
	if len(criteria) == 0 {
		return nil
	}
	if !s.features.SuccessCriteria {
		return featureDisabled("success_criteria", "success-criteria")
	}
	for i, c := range criteria {
		if strings.TrimSpace(c.Criterion) == "" {
			return &ErrValidation{
				Field:  fmt.Sprintf("success_criteria[%d]", i),
				Reason: "criterion text must not be empty",
			}
		}
	}
	if s.validateCriteria != nil {
		if err := s.validateCriteria(criteria); err != nil {
			return &ErrValidation{
				Field: "success_criteria", Reason: err.Error(),
			}
		}
	}
	return nil
}

func (s *Store) checkFeedback(f *Feedback) error {
	if f == nil {
		return nil
	}
	if !s.features.Feedback {
		return featureDisabled("feedback", "feedback")
	}
	if err := checkScore("feedback.quality", f.Quality); err != nil {
		return err
	}
	return checkScore("feedback.timeliness", f.Timeliness)
}

func checkScore(field string, score *int) error {
	if score == nil {
		return nil
	}
	if *score < 1 || *score > 5 {
		return &ErrValidation{
			Field:  field,
			Reason: fmt.Sprintf("score %d is outside 1-5", *score),
		}
	}
	return nil
}

func featureDisabled(field, feature string) error {
	return &ErrValidation{
		Field:  field,
		Reason: fmt.Sprintf("feature %q is disabled", feature),
	}
}
