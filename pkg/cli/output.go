package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"reflect"
	"strings"
	"text/tabwriter"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jguan/anpr-monitor/pkg/unit"
)

type OutputFormat string

const (
	OutputTable OutputFormat = "table"
	OutputJSON  OutputFormat = "json"
	OutputYAML  OutputFormat = "yaml"
)

func ParseOutputFormat(s string) (OutputFormat, error) {
	switch f := OutputFormat(strings.ToLower(s)); f {
	case OutputTable, OutputJSON, OutputYAML:
		return f, nil
	case "":
		return OutputTable, nil
	default:
		return "", fmt.Errorf("invalid output format %q (valid: table, json, yaml)", s)
	}
}

type OutputOptions struct {
	Format OutputFormat
	Quiet  bool
	Writer io.Writer
	ErrOut io.Writer
}

func NewOutputOptions() *OutputOptions {
	return &OutputOptions{
		Format: OutputTable,
		Writer: os.Stdout,
		ErrOut: os.Stderr,
	}
}

// Table is implemented by results that render as rows rather than the
// generic field listing.
type Table interface {
	Header() []string
	Rows() [][]string
}

func FormatOutput(data any, format OutputFormat) (string, error) {
	switch format {
	case OutputJSON:
		b, err := json.MarshalIndent(data, "", "  ")
		if err != nil {
			return "", fmt.Errorf("marshal JSON: %w", err)
		}
		return string(b) + "\n", nil
	case OutputYAML:
		// Round-trip through JSON so yaml keys follow the json tags.
		raw, err := json.Marshal(data)
		if err != nil {
			return "", fmt.Errorf("marshal YAML: %w", err)
		}
		var generic any
		if err := json.Unmarshal(raw, &generic); err != nil {
			return "", fmt.Errorf("marshal YAML: %w", err)
		}
		b, err := yaml.Marshal(generic)
		if err != nil {
			return "", fmt.Errorf("marshal YAML: %w", err)
		}
		return string(b), nil
	default:
		return formatTable(data), nil
	}
}

func formatTable(data any) string {
	if data == nil {
		return ""
	}
	if t, ok := data.(Table); ok {
		return renderRows(t.Header(), t.Rows())
	}

	v := reflect.ValueOf(data)
	if v.Kind() == reflect.Ptr {
		if v.IsNil() {
			return ""
		}
		v = v.Elem()
	}

	switch v.Kind() {
	case reflect.Slice, reflect.Array:
		if v.Len() == 0 {
			return "No items\n"
		}
		headers := fieldNames(v.Index(0))
		rows := make([][]string, v.Len())
		for i := range rows {
			rows[i] = fieldValues(v.Index(i), headers)
		}
		return renderRows(headers, rows)
	case reflect.Map:
		var rows [][]string
		iter := v.MapRange()
		for iter.Next() {
			rows = append(rows, []string{fmt.Sprint(iter.Key().Interface()), formatValue(iter.Value().Interface())})
		}
		return renderRows(nil, rows)
	case reflect.Struct:
		headers := fieldNames(v)
		values := fieldValues(v, headers)
		rows := make([][]string, len(headers))
		for i, h := range headers {
			rows[i] = []string{h, values[i]}
		}
		return renderRows(nil, rows)
	default:
		return formatValue(data) + "\n"
	}
}

func renderRows(headers []string, rows [][]string) string {
	var sb strings.Builder
	w := tabwriter.NewWriter(&sb, 0, 0, 2, ' ', 0)
	if len(headers) > 0 {
		fmt.Fprintln(w, strings.Join(headers, "\t"))
		seps := make([]string, len(headers))
		for i, h := range headers {
			seps[i] = strings.Repeat("-", max(len(h), 4))
		}
		fmt.Fprintln(w, strings.Join(seps, "\t"))
	}
	for _, row := range rows {
		fmt.Fprintln(w, strings.Join(row, "\t"))
	}
	w.Flush()
	return sb.String()
}

func jsonName(f reflect.StructField) (string, bool) {
	if f.PkgPath != "" {
		return "", false
	}
	tag := f.Tag.Get("json")
	if tag == "-" {
		return "", false
	}
	name, _, _ := strings.Cut(tag, ",")
	if name == "" {
		name = f.Name
	}
	return name, true
}

func fieldNames(v reflect.Value) []string {
	for v.Kind() == reflect.Ptr || v.Kind() == reflect.Interface {
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return []string{"value"}
	}
	var names []string
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		if name, ok := jsonName(t.Field(i)); ok {
			names = append(names, name)
		}
	}
	return names
}

func fieldValues(v reflect.Value, names []string) []string {
	for v.Kind() == reflect.Ptr || v.Kind() == reflect.Interface {
		v = v.Elem()
	}
	values := make([]string, len(names))
	if v.Kind() != reflect.Struct {
		values[0] = formatValue(v.Interface())
		return values
	}

	index := make(map[string]int)
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		if name, ok := jsonName(t.Field(i)); ok {
			index[name] = i
		}
	}
	for i, name := range names {
		if idx, ok := index[name]; ok {
			values[i] = formatValue(v.Field(idx).Interface())
		}
	}
	return values
}

func formatValue(v any) string {
	if v == nil {
		return ""
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Ptr {
		if rv.IsNil() {
			return ""
		}
		v = rv.Elem().Interface()
	}

	switch val := v.(type) {
	case string:
		return val
	case fmt.Stringer:
		if t, ok := val.(time.Time); ok {
			if t.IsZero() {
				return ""
			}
			return t.Local().Format(time.DateTime)
		}
		return val.String()
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return fmt.Sprintf("%d", val)
	case float32, float64:
		return fmt.Sprintf("%.1f", val)
	case bool:
		return fmt.Sprintf("%t", val)
	}

	if rv := reflect.ValueOf(v); rv.Kind() == reflect.String {
		return rv.String()
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}

func PrintOutput(data any, opts *OutputOptions) error {
	if opts.Quiet {
		return nil
	}
	out, err := FormatOutput(data, opts.Format)
	if err != nil {
		return err
	}
	_, err = fmt.Fprint(opts.Writer, out)
	return err
}

// PrintError writes err to ErrOut. Unit errors keep their code in
// structured formats.
func PrintError(err error, opts *OutputOptions) {
	w := opts.ErrOut
	if w == nil {
		w = os.Stderr
	}

	body := map[string]any{"message": err.Error()}
	if ue, ok := unit.AsUnitError(err); ok {
		body["code"] = string(ue.Code)
		if ue.Domain != "" {
			body["domain"] = ue.Domain
		}
	}

	switch opts.Format {
	case OutputJSON, OutputYAML:
		out, ferr := FormatOutput(map[string]any{"error": body}, opts.Format)
		if ferr == nil {
			fmt.Fprint(w, out)
			return
		}
	}
	fmt.Fprintf(w, "Error: %v\n", err)
}

// PrintMessage writes a status line in table mode only, so structured
// output stays machine readable.
func PrintMessage(opts *OutputOptions, format string, args ...any) {
	if opts.Quiet || opts.Format != OutputTable {
		return
	}
	fmt.Fprintf(opts.Writer, format+"\n", args...)
}
