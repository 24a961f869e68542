package pipe

import "github.com/johndauphine/tablecopy/internal/dataset"

// Kind tells what an Element carries.
type Kind int

const (
	KindValue Kind = iota
	KindFinished
	KindPoisoned
)

func (k Kind) String() string {
	switch k {
	case KindValue:
		return "value"
	case KindFinished:
		return "finished"
	case KindPoisoned:
		return "poisoned"
	default:
		return "unknown"
	}
}

// Element is the unit carried by a pipe: a page, the end-of-stream marker,
// or a poison that carries the failure of the producing side.
type Element struct {
	kind  Kind
	page  *dataset.Page
	cause error
}

// Value wraps a page.
func Value(page *dataset.Page) Element {
	return Element{kind: KindValue, page: page}
}

// Finished marks that no more pages follow.
func Finished() Element {
	return Element{kind: KindFinished}
}

// Poison marks abnormal termination of the producing side.
func Poison(cause error) Element {
	return Element{kind: KindPoisoned, cause: cause}
}

func (e Element) Kind() Kind { return e.kind }

// Page returns the carried page. It is nil unless Kind is KindValue.
func (e Element) Page() *dataset.Page { return e.page }

// Cause returns the failure carried by a poison element.
func (e Element) Cause() error { return e.cause }
