package escape

import "testing"

func TestQuote(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"simple", "'simple'"},
		{"with space", "'with space'"},
		{"with'quote", "'with'\\''quote'"},
		{"", "''"},
		{"$(rm -rf /)", "'$(rm -rf /)'"},
		{"`backtick`", "'`backtick`'"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := Quote(tt.input)
			if got != tt.expected {
				t.Errorf("Quote(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestValidateAtom_Valid(t *testing.T) {
	valid := []string{
		"w1",
		"my_worker",
		"Elixir.MyApp.Worker",
		"gen_server",
		"_private",
		"a1b2c3",
	}

	for _, name := range valid {
		t.Run(name, func(t *testing.T) {
			if err := ValidateAtom(name); err != nil {
				t.Errorf("ValidateAtom(%q) returned error: %v", name, err)
			}
		})
	}
}

func TestValidateAtom_Invalid(t *testing.T) {
	invalid := []string{
		"",
		"1starts_with_digit",
		"has space",
		"has'quote",
		"has;semicolon",
		"$(injection)",
		"has\nnewline",
	}

	for _, name := range invalid {
		t.Run(name, func(t *testing.T) {
			if err := ValidateAtom(name); err == nil {
				t.Errorf("ValidateAtom(%q) expected an error, got nil", name)
			}
		})
	}
}
