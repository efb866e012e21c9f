package domain

import "fmt"

// Grade scores answers against the question bank. Unanswered questions score
// nothing; an index outside the bank or its options is ErrInvalidAnswer.
func Grade(t Tournament, answers Answers) (score, correct int, err error) {
	for qi, opt := range answers {
		if qi < 0 || qi >= len(t.Questions) {
			return 0, 0, fmt.Errorf("question %d: %w", qi, ErrInvalidAnswer)
		}
		q := t.Questions[qi]
		if opt < 0 || opt >= len(q.Options) {
			return 0, 0, fmt.Errorf("question %d option %d: %w", qi, opt, ErrInvalidAnswer)
		}
		if opt == q.CorrectOption {
			score += q.Marks
			correct++
		}
	}
	return score, correct, nil
}
