package main

import (
	"context"
	"testing"

	"github.com/xdmod/xdmod-etl/pkg/actionstate"
)

func TestStateKey(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		action  string
		want    string
		wantErr bool
	}{
		{"key", []string{"aggregation-watermark"}, "", "aggregation-watermark", false},
		{"action", nil, "aggregate-day", actionstate.IntraKey("aggregate-day"), false},
		{"both", []string{"k"}, "aggregate-day", "", true},
		{"neither", nil, "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stateAction = tt.action
			defer func() { stateAction = "" }()
			got, err := stateKey(tt.args)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v", err)
			}
			if got != tt.want {
				t.Errorf("key = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestResolveRange_Explicit(t *testing.T) {
	startDate, endDate = "2023-01-01", "2023-01-31"
	defer func() { startDate, endDate = "", "" }()

	dr, err := resolveRange(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if dr.String() != "2023-01-01..2023-01-31" {
		t.Errorf("range = %s", dr)
	}

	startDate = ""
	if _, err := resolveRange(context.Background(), nil); err == nil {
		t.Error("--end without --start should fail")
	}
}

func TestLoadConfig_FlagsOverride(t *testing.T) {
	driver, dsn, logLevel = "sqlite3", "/tmp/etl.db", "debug"
	defer func() { driver, dsn, logLevel = "", "", "" }()

	cfg, err := loadConfig()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Database.Driver != "sqlite3" || cfg.Database.DSN != "/tmp/etl.db" || cfg.Logging.Level != "debug" {
		t.Errorf("flags not applied: %+v %+v", cfg.Database, cfg.Logging)
	}
}
