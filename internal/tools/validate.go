package tools

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/invopop/jsonschema"
	schemav "github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/santhosh-tekuri/jsonschema/v6/kind"
)

// compileSchema turns a tool's reflected schema into a validator. The
// schema is registered under a private URL so nothing is ever fetched.
func compileSchema(name string, s *jsonschema.Schema) (*schemav.Schema, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encoding schema for %s: %w", name, err)
	}
	doc, err := schemav.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decoding schema for %s: %w", name, err)
	}
	url := "https://callrelay.invalid/tools/" + name + ".json"
	c := schemav.NewCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("loading schema for %s: %w", name, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compiling schema for %s: %w", name, err)
	}
	return compiled, nil
}

// validateArgs checks raw arguments against a compiled tool schema. Empty
// arguments are treated as {}.
func validateArgs(s *schemav.Schema, raw json.RawMessage) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		raw = json.RawMessage("{}")
	}
	inst, err := schemav.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("arguments must be a JSON object: %w", err)
	}
	if _, ok := inst.(map[string]any); !ok {
		return errors.New("arguments must be a JSON object")
	}

	err = s.Validate(inst)
	var verr *schemav.ValidationError
	if !errors.As(err, &verr) {
		return err
	}
	var msgs []string
	collectViolations(verr, &msgs)
	slices.Sort(msgs)
	return errors.New(strings.Join(slices.Compact(msgs), "; "))
}

// collectViolations flattens the error tree into one message per failing
// keyword, phrased for the agent that sent the arguments.
func collectViolations(e *schemav.ValidationError, out *[]string) {
	if len(e.Causes) > 0 {
		for _, c := range e.Causes {
			collectViolations(c, out)
		}
		return
	}

	prefix := ""
	if len(e.InstanceLocation) > 0 {
		prefix = fmt.Sprintf("argument %q: ", strings.Join(e.InstanceLocation, "."))
	}

	switch k := e.ErrorKind.(type) {
	case *kind.Required:
		for _, m := range k.Missing {
			*out = append(*out, prefix+fmt.Sprintf("missing required argument %q", m))
		}
	case *kind.AdditionalProperties:
		for _, p := range k.Properties {
			*out = append(*out, prefix+fmt.Sprintf("unknown argument %q", p))
		}
	case *kind.Type:
		*out = append(*out, prefix+"must be "+withArticle(strings.Join(k.Want, " or ")))
	case *kind.Enum:
		want := make([]string, len(k.Want))
		for i, w := range k.Want {
			want[i] = fmt.Sprint(w)
		}
		*out = append(*out, prefix+"must be one of "+strings.Join(want, ", "))
	case *kind.Maximum:
		*out = append(*out, prefix+"must be at most "+k.Want.RatString())
	case *kind.Minimum:
		*out = append(*out, prefix+"must be at least "+k.Want.RatString())
	default:
		*out = append(*out, prefix+"violates "+strings.Join(e.ErrorKind.KeywordPath(), "/"))
	}
}

func withArticle(noun string) string {
	if noun != "" && strings.ContainsRune("aeiou", rune(noun[0])) {
		return "an " + noun
	}
	return "a " + noun
}
