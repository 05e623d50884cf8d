package session

import (
	"encoding/json"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// answerStore holds the student's answers. Dirtiness is tracked with
// revisions: every mutation bumps revision, every acknowledged save records
// the revision it carried. A save that was overtaken by a newer edit does not
// clean the store.
type answerStore struct {
	answers       model.AnswerSet
	revision      uint64
	savedRevision uint64
}

func newAnswerStore(seed model.AnswerSet) *answerStore {
	s := &answerStore{answers: model.AnswerSet{}}
	if seed != nil {
		s.answers = seed.Clone()
	}
	return s
}

func (s *answerStore) Set(questionID uuid.UUID, value json.RawMessage) {
	cp := make(json.RawMessage, len(value))
	copy(cp, value)
	s.answers[questionID] = cp
	s.revision++
}

// MarkDirty forces the next save even without an edit.
func (s *answerStore) MarkDirty() { s.revision++ }

func (s *answerStore) Dirty() bool { return s.revision > s.savedRevision }

// Snapshot returns a copy of the answers and the revision it represents.
func (s *answerStore) Snapshot() (model.AnswerSet, uint64) {
	return s.answers.Clone(), s.revision
}

// MarkSaved records an acknowledged save of revision rev.
func (s *answerStore) MarkSaved(rev uint64) {
	if rev > s.savedRevision {
		s.savedRevision = rev
	}
}

func (s *answerStore) Answered() int { return len(s.answers) }
