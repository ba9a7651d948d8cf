package session

import "testing"

func TestValidateName(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"valid simple", "default", false},
		{"valid with numbers", "acct42", false},
		{"valid with hyphen", "work-account", false},
		{"valid with underscore", "work_account", false},
		{"empty", "", true},
		{"uppercase", "Default", true},
		{"space", "my session", true},
		{"dot", "my.session", true},
		{"slash", "my/session", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateName(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateName(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}
