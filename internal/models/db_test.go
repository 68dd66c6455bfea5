package models

import "testing"

func TestInitDBRejectsUnsupportedDriver(t *testing.T) {
	if err := InitDB("mysql", "user:pass@tcp(127.0.0.1:3306)/db", DBPoolConfig{}, false); err == nil {
		t.Fatalf("mysql driver must be rejected")
	}
}
