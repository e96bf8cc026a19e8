// Package document holds the TOML configuration document that describes the
// devices served by the worker.
//
// A document is a table keyed by section name. The `device` section maps a
// unique device name to its argument table; the `association` section maps an
// abstract component name to a `{url = "<Device>/.../<component>"}` table.
package document

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"github.com/pelletier/go-toml/v2/unstable"

	"chemdrive/internal/models"
)

const (
	SectionDevice      = "device"
	SectionAssociation = "association"
)

var (
	ErrDeviceNotFound   = errors.New("device not found")
	ErrDeviceSection    = errors.New("'device' must be a table like: [device.name]")
	ErrMissingAssocURL  = errors.New("the association block is missing 'url'")
	hiddenParameterKeys = []string{"type", "kind", "driver"}
)

// ParseError reports malformed TOML text with the position of the problem.
// Line and Column are 1-based; zero when the parser did not report them.
type ParseError struct {
	Line    int
	Column  int
	Message string
	err     error
}

func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("%s (line %d, col %d)", e.Message, e.Line, e.Column)
	}
	return e.Message
}

func (e *ParseError) Unwrap() error {
	return e.err
}

// Document is a parsed configuration document.
type Document struct {
	tree  map[string]any
	order []string
}

// Parse decodes TOML text into a Document.
func Parse(text string) (*Document, error) {
	tree := make(map[string]any)
	if err := toml.Unmarshal([]byte(text), &tree); err != nil {
		return nil, parseError(err)
	}
	return &Document{tree: tree, order: deviceOrder([]byte(text))}, nil
}

// deviceOrder lists device names in the order they first appear in data,
// whether declared as [device.x] tables, dotted keys or inline tables.
func deviceOrder(data []byte) []string {
	var names []string
	add := func(path []string) {
		if len(path) > 1 && path[0] == SectionDevice && !slices.Contains(names, path[1]) {
			names = append(names, path[1])
		}
	}

	var p unstable.Parser
	p.Reset(data)
	var table []string
	for p.NextExpression() {
		expr := p.Expression()
		switch expr.Kind {
		case unstable.Table, unstable.ArrayTable:
			table = keyPath(expr.Key())
			add(table)
		case unstable.KeyValue:
			path := append(slices.Clone(table), keyPath(expr.Key())...)
			add(path)
			value := expr.Value()
			if len(path) != 1 || path[0] != SectionDevice || value.Kind != unstable.InlineTable {
				continue
			}
			it := value.Children()
			for it.Next() {
				if kv := it.Node(); kv.Kind == unstable.KeyValue {
					add(append([]string{SectionDevice}, keyPath(kv.Key())...))
				}
			}
		}
	}
	return names
}

func keyPath(it unstable.Iterator) []string {
	var parts []string
	for it.Next() {
		parts = append(parts, string(it.Node().Data))
	}
	return parts
}

// ordered returns the keys of devices in document order. Names missing from
// the recorded order follow, sorted.
func (d *Document) ordered(devices map[string]map[string]any) []string {
	names := make([]string, 0, len(devices))
	for _, name := range d.order {
		if _, ok := devices[name]; ok {
			names = append(names, name)
		}
	}
	for _, name := range slices.Sorted(maps.Keys(devices)) {
		if !slices.Contains(names, name) {
			names = append(names, name)
		}
	}
	return names
}

func parseError(err error) error {
	var decErr *toml.DecodeError
	if errors.As(err, &decErr) {
		line, col := decErr.Position()
		return &ParseError{
			Line:    line,
			Column:  col,
			Message: strings.TrimPrefix(decErr.Error(), "toml: "),
			err:     err,
		}
	}
	return &ParseError{Message: strings.TrimPrefix(err.Error(), "toml: "), err: err}
}

// Empty reports whether the document has no sections at all.
func (d *Document) Empty() bool {
	return d == nil || len(d.tree) == 0
}

// Marshal serializes the document back to TOML text.
func (d *Document) Marshal() ([]byte, error) {
	if d == nil {
		return nil, nil
	}
	return toml.Marshal(d.tree)
}

// String returns the TOML text of the document, or an empty string if it
// cannot be serialized.
func (d *Document) String() string {
	b, err := d.Marshal()
	if err != nil {
		return ""
	}
	return string(b)
}

// Devices returns the device section as device name to argument table.
// Scalar entries are normalised to {"value": scalar}.
func (d *Document) Devices() (map[string]map[string]any, error) {
	section, ok := d.tree[SectionDevice]
	if !ok {
		return map[string]map[string]any{}, nil
	}
	table, ok := section.(map[string]any)
	if !ok {
		return nil, ErrDeviceSection
	}

	devices := make(map[string]map[string]any, len(table))
	for name, raw := range table {
		switch args := raw.(type) {
		case nil:
			devices[name] = map[string]any{}
		case map[string]any:
			devices[name] = args
		default:
			devices[name] = map[string]any{"value": args}
		}
	}
	return devices, nil
}

// DeviceNames returns the device names in the order the document declares
// them.
func (d *Document) DeviceNames() []string {
	devices, err := d.Devices()
	if err != nil {
		return nil
	}
	return d.ordered(devices)
}

// Isolated returns a document containing only the block of the named device.
func (d *Document) Isolated(name string) (*Document, error) {
	devices, err := d.Devices()
	if err != nil {
		return nil, err
	}
	args, ok := devices[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, name)
	}
	return &Document{
		tree:  map[string]any{SectionDevice: map[string]any{name: maps.Clone(args)}},
		order: []string{name},
	}, nil
}

// Associations returns every association entry of the document. Entries
// without a url are skipped and reported through the returned error.
func (d *Document) Associations() ([]models.Association, error) {
	table, _ := d.tree[SectionAssociation].(map[string]any)

	var errs []error
	assocs := make([]models.Association, 0, len(table))
	for _, abstract := range slices.Sorted(maps.Keys(table)) {
		entry, _ := table[abstract].(map[string]any)
		url, _ := entry["url"].(string)
		if url == "" {
			errs = append(errs, fmt.Errorf("%w: %s", ErrMissingAssocURL, abstract))
			continue
		}
		parts := strings.Split(url, "/")
		assocs = append(assocs, models.Association{
			Abstract:  abstract,
			Device:    parts[0],
			Component: parts[len(parts)-1],
			URL:       url,
		})
	}
	return assocs, errors.Join(errs...)
}

// Cards builds one card per device, in document order. States are left
// empty for the caller to fill in.
func (d *Document) Cards() ([]models.DeviceCard, error) {
	devices, err := d.Devices()
	if err != nil {
		return nil, err
	}
	assocs, assocErr := d.Associations()

	cards := make([]models.DeviceCard, 0, len(devices))
	for _, name := range d.ordered(devices) {
		args := devices[name]
		card := models.DeviceCard{
			Name:   name,
			Kind:   kind(args),
			Params: []models.Param{},
		}
		for _, key := range slices.Sorted(maps.Keys(args)) {
			if slices.Contains(hiddenParameterKeys, key) {
				continue
			}
			card.Params = append(card.Params, models.Param{Key: key, Value: fmt.Sprint(args[key])})
		}
		for _, a := range assocs {
			if a.Device == name {
				card.Associations = append(card.Associations, a)
			}
		}
		cards = append(cards, card)
	}
	return cards, assocErr
}

func kind(args map[string]any) string {
	for _, key := range hiddenParameterKeys {
		if v, ok := args[key]; ok && v != nil {
			return fmt.Sprint(v)
		}
	}
	return ""
}
