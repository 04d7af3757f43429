package sandbox

import (
	"sort"
	"strconv"
)

// fieldPrefix names form inputs after the channel that carries their edits
const fieldPrefix = "channelID"

// Document is the state a session renders. Values are shown as-is; fields
// become form inputs that work with and without script.
type Document struct {
	title  string
	values map[string]any
	fields map[string]*Field
	order  []string
}

func newDocument() *Document {
	return &Document{
		values: make(map[string]any),
		fields: make(map[string]*Field),
	}
}

// SetTitle sets the page title
func (d *Document) SetTitle(title string) {
	d.title = title
}

// Set stores a value shown on the page
func (d *Document) Set(key string, value any) {
	if _, exists := d.values[key]; !exists {
		d.order = append(d.order, key)
	}
	d.values[key] = value
}

// Get returns a stored value
func (d *Document) Get(key string) (any, bool) {
	v, ok := d.values[key]
	return v, ok
}

// Field returns the form field with the given input name
func (d *Document) Field(name string) (*Field, bool) {
	f, ok := d.fields[name]
	return f, ok
}

func (d *Document) addField(f *Field) {
	d.fields[f.name] = f
}

func (d *Document) snapshot() DocumentState {
	state := DocumentState{Title: d.title}
	for _, key := range d.order {
		state.Values = append(state.Values, KeyValue{Key: key, Value: d.values[key]})
	}
	names := make([]string, 0, len(d.fields))
	for name := range d.fields {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		f := d.fields[name]
		state.Fields = append(state.Fields, FieldState{Name: name, Label: f.label, Value: f.value})
	}
	return state
}

// Field is a text input bound to a client channel. The client pushes edits
// over the channel; a form postback without script delivers the same edits.
type Field struct {
	name     string
	label    string
	value    string
	send     func(args ...any)
	onChange func(value string)
}

func fieldName(channelID int) string {
	return fieldPrefix + strconv.Itoa(channelID)
}

// ParseFieldName returns the channel id a form input name refers to
func ParseFieldName(name string) (int, bool) {
	if len(name) <= len(fieldPrefix) || name[:len(fieldPrefix)] != fieldPrefix {
		return 0, false
	}
	id, err := strconv.Atoi(name[len(fieldPrefix):])
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// Name is the form input name
func (f *Field) Name() string {
	return f.name
}

// Value is the latest value both sides agreed on
func (f *Field) Value() string {
	return f.value
}

// Set edits the field. Only the client side can originate edits.
func (f *Field) Set(value string) bool {
	if f.send == nil {
		return false
	}
	f.send(value)
	return true
}

func (f *Field) apply(args []any) {
	if len(args) == 0 {
		return
	}
	value, _ := args[0].(string)
	if value == f.value {
		return
	}
	f.value = value
	if f.onChange != nil {
		f.onChange(value)
	}
}
