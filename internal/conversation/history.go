// Package conversation keeps the short per-user chat history replayed to the
// model on every question.
package conversation

import "risk-coach/internal/domain"

// DefaultMaxTurns keeps the last ten question/answer exchanges.
const DefaultMaxTurns = 20

// NormalizeMaxTurns returns a positive even cap so stored histories always
// hold whole exchanges.
func NormalizeMaxTurns(n int) int {
	if n <= 0 {
		return DefaultMaxTurns
	}
	if n%2 != 0 {
		n--
	}
	if n < 2 {
		n = 2
	}
	return n
}

// Exchange returns the user turn followed by the model turn for one
// successful question.
func Exchange(question, answer string) []domain.Turn {
	return []domain.Turn{
		{Role: domain.RoleUser, Text: question},
		{Role: domain.RoleModel, Text: answer},
	}
}

// AppendTrimmed appends turns and drops the oldest entries until at most
// maxTurns remain. The result never aliases history.
func AppendTrimmed(history []domain.Turn, maxTurns int, turns ...domain.Turn) []domain.Turn {
	out := make([]domain.Turn, 0, len(history)+len(turns))
	out = append(out, history...)
	out = append(out, turns...)
	if len(out) > maxTurns {
		out = append([]domain.Turn(nil), out[len(out)-maxTurns:]...)
	}
	return out
}
