package template

import (
	"errors"
	"reflect"
	"testing"
)

func testScope() Scope {
	return Scope{
		Input: map[string]interface{}{
			"user_id": float64(1500),
			"profile": map[string]interface{}{"name": "Ada"},
		},
		Vars: map[string]interface{}{
			"region": "eu-west-1",
			"limits": map[string]interface{}{"max": float64(10)},
		},
		Output: func(nodeID string) (map[string]interface{}, bool) {
			if nodeID == "fetch" {
				return map[string]interface{}{"status": "active", "batch": map[string]interface{}{"id": float64(2500)}}, true
			}
			return nil, false
		},
	}
}

func TestResolveConfig(t *testing.T) {
	scope := testScope()

	tests := []struct {
		name string
		in   map[string]interface{}
		want map[string]interface{}
	}{
		{
			name: "typed whole-string input reference",
			in:   map[string]interface{}{"uid": "{{ $input.user_id }}"},
			want: map[string]interface{}{"uid": float64(1500)},
		},
		{
			name: "nested input path",
			in:   map[string]interface{}{"name": "{{ $input.profile.name }}"},
			want: map[string]interface{}{"name": "Ada"},
		},
		{
			name: "vars reference",
			in:   map[string]interface{}{"region": "{{ $vars.region }}"},
			want: map[string]interface{}{"region": "eu-west-1"},
		},
		{
			name: "vars nested path",
			in:   map[string]interface{}{"max": "{{ $vars.limits.max }}"},
			want: map[string]interface{}{"max": float64(10)},
		},
		{
			name: "output reference",
			in:   map[string]interface{}{"id": "{{ $output.fetch.batch.id }}"},
			want: map[string]interface{}{"id": float64(2500)},
		},
		{
			name: "interpolation renders to string",
			in:   map[string]interface{}{"msg": "user {{ $input.user_id }} in {{ $vars.region }}"},
			want: map[string]interface{}{"msg": "user 1500 in eu-west-1"},
		},
		{
			name: "nested map and array",
			in: map[string]interface{}{
				"outer": map[string]interface{}{
					"list": []interface{}{"{{ $vars.region }}", "plain"},
				},
			},
			want: map[string]interface{}{
				"outer": map[string]interface{}{
					"list": []interface{}{"eu-west-1", "plain"},
				},
			},
		},
		{
			name: "plain values pass through",
			in:   map[string]interface{}{"n": float64(7), "b": true, "s": "no templates"},
			want: map[string]interface{}{"n": float64(7), "b": true, "s": "no templates"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ResolveConfig(tt.in, scope)
			if err != nil {
				t.Fatalf("resolve failed: %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestResolveConfig_UnresolvedReferences(t *testing.T) {
	scope := testScope()

	tests := []struct {
		name string
		in   map[string]interface{}
	}{
		{name: "unknown input path", in: map[string]interface{}{"v": "{{ $input.missing }}"}},
		{name: "unknown variable", in: map[string]interface{}{"v": "{{ $vars.missing }}"}},
		{name: "unknown node", in: map[string]interface{}{"v": "{{ $output.ghost.status }}"}},
		{name: "unknown node in interpolation", in: map[string]interface{}{"v": "x {{ $output.ghost.status }} y"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ResolveConfig(tt.in, scope)
			var te *Error
			if !errors.As(err, &te) {
				t.Fatalf("expected template error, got %v", err)
			}
		})
	}
}

func TestResolveString_WholeInput(t *testing.T) {
	scope := testScope()

	got, err := ResolveString("{{ $input }}", scope)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if !reflect.DeepEqual(got, scope.Input) {
		t.Errorf("expected whole input map, got %v", got)
	}
}

func TestRedactFields(t *testing.T) {
	in := map[string]interface{}{
		"url":     "https://example.com",
		"api_key": "s3cret",
		"token":   "t0ken",
	}

	got := RedactFields(in, []string{"api_key", "token"})

	if got["api_key"] != Redacted || got["token"] != Redacted {
		t.Errorf("secrets not redacted: %v", got)
	}
	if got["url"] != "https://example.com" {
		t.Errorf("non-secret field altered: %v", got)
	}
	if in["api_key"] != "s3cret" {
		t.Error("redaction must not mutate the source map")
	}
}
