package validation

import (
	"strings"
	"testing"
)

func TestValidateCollectionName(t *testing.T) {
	tests := []struct {
		name    string
		value   string
		wantErr bool
	}{
		{"simple", "groceries", false},
		{"with hyphen and underscore", "weekly-list_2", false},
		{"mixed case", "Groceries", false},
		{"empty", "", true},
		{"whitespace only", "   ", true},
		{"spaces inside", "my list", true},
		{"path traversal", "../etc", true},
		{"slash", "a/b", true},
		{"too long", strings.Repeat("a", MaxCollectionNameLength+1), true},
		{"at limit", strings.Repeat("a", MaxCollectionNameLength), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateCollectionName("collection", tt.value)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateCollectionName(%q) = %v, wantErr %v", tt.value, err, tt.wantErr)
			}
		})
	}
}

func TestValidateFieldNames(t *testing.T) {
	errs := ValidateFieldNames(map[string]any{
		"name": "Milk",
		"qty":  2,
	})
	if len(errs) != 0 {
		t.Errorf("valid fields rejected: %v", errs)
	}

	errs = ValidateFieldNames(map[string]any{
		"bad\x00name": "x",
	})
	if len(errs) == 0 {
		t.Error("null byte in field name should be rejected")
	}
}

func TestCollector_AccumulatesWithoutFailingFast(t *testing.T) {
	var c Collector
	c.Add(ValidateRequired("a", ""))
	c.Add(ValidateRequired("b", "present"))
	c.Add(ValidateNoNullBytes("c", "bad\x00"))

	if !c.HasErrors() {
		t.Fatal("expected errors")
	}
	if got := len(c.Errors()); got != 2 {
		t.Errorf("expected 2 errors, got %d: %v", got, c.Errors())
	}
}

func TestValidateUTF8(t *testing.T) {
	if err := ValidateUTF8("f", "héllo"); err != nil {
		t.Errorf("valid UTF-8 rejected: %v", err)
	}
	if err := ValidateUTF8("f", string([]byte{0xff, 0xfe})); err == nil {
		t.Error("invalid UTF-8 accepted")
	}
}
