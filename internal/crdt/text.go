package crdt

import (
	"fmt"
	"strings"

	"github.com/automerge/automerge-go"
)

// InsertText inserts s at pos in the text stored under field, creating the
// text object on first use.
func (d *Document) InsertText(origin Origin, field string, pos int, s string) error {
	if s == "" {
		return nil
	}
	return d.Transact(origin, "insert", func(doc *automerge.Doc) error {
		text, err := ensureText(doc, field)
		if err != nil {
			return err
		}
		if pos < 0 || pos > text.Len() {
			return fmt.Errorf("%w: position %d out of range", ErrInvalidInput, pos)
		}
		return text.Insert(pos, s)
	})
}

// AppendText adds s at the end of the text under field.
func (d *Document) AppendText(origin Origin, field string, s string) error {
	if s == "" {
		return nil
	}
	return d.Transact(origin, "append", func(doc *automerge.Doc) error {
		text, err := ensureText(doc, field)
		if err != nil {
			return err
		}
		return text.Insert(text.Len(), s)
	})
}

func (d *Document) DeleteText(origin Origin, field string, pos, count int) error {
	if count <= 0 {
		return nil
	}
	return d.Transact(origin, "delete", func(doc *automerge.Doc) error {
		text, err := ensureText(doc, field)
		if err != nil {
			return err
		}
		if pos < 0 || pos+count > text.Len() {
			return fmt.Errorf("%w: range %d+%d out of range", ErrInvalidInput, pos, count)
		}
		return text.Delete(pos, count)
	})
}

// Text returns the current text under field, or "" if it was never written.
func (d *Document) Text(field string) (string, error) {
	field = textField(field)
	d.mu.Lock()
	defer d.mu.Unlock()

	value, err := d.doc.Path(field).Get()
	if err != nil {
		return "", err
	}
	if value.Kind() == automerge.KindVoid {
		return "", nil
	}
	if value.Kind() != automerge.KindText {
		return "", fmt.Errorf("%w: field %q is not text", ErrInvalidInput, field)
	}
	return d.doc.Path(field).Text().Get()
}

func ensureText(doc *automerge.Doc, field string) (*automerge.Text, error) {
	field = textField(field)
	value, err := doc.Path(field).Get()
	if err != nil {
		return nil, err
	}
	switch value.Kind() {
	case automerge.KindVoid:
		if err := doc.Path(field).Set(automerge.NewText("")); err != nil {
			return nil, err
		}
	case automerge.KindText:
	default:
		return nil, fmt.Errorf("%w: field %q is not text", ErrInvalidInput, field)
	}
	return doc.Path(field).Text(), nil
}

func textField(field string) string {
	field = strings.TrimSpace(field)
	if field == "" {
		return DefaultTextField
	}
	return field
}
