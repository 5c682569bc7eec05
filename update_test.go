package main

import "testing"

func TestNewerRelease(t *testing.T) {
	tests := []struct {
		current, tag string
		want         bool
		wantErr      bool
	}{
		{"v1.0.0", "v1.0.1", true, false},
		{"v1.2.0", "v1.1.9", false, false},
		{"v1.2.0", "v1.2.0", false, false},
		{"v1.2.0-rc.1", "v1.2.0", true, false},
		{"(unknown version)", "v1.0.0", false, true},
		{"v1.0.0", "latest", false, true},
	}
	for _, tt := range tests {
		got, err := newerRelease(tt.current, tt.tag)
		if (err != nil) != tt.wantErr {
			t.Errorf("newerRelease(%q, %q) error = %v, wantErr %v", tt.current, tt.tag, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("newerRelease(%q, %q) = %v, want %v", tt.current, tt.tag, got, tt.want)
		}
	}
}
