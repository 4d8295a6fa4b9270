package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// Families selects which constraint detectors run.
type Families struct {
	Unique     bool
	ForeignKey bool
	NotNull    bool
}

// Config is the resolved run configuration: flags first, env second.
type Config struct {
	App         string
	Constraints string
	Families    Families
	SkipTests   bool
	Verbose     bool
	Validate    bool
	TruthDir    string
}

// ParseFamilies parses the -constraints value: a comma list of
// unique, fk and null, or all.
func ParseFamilies(s string) (Families, error) {
	var f Families
	for _, tok := range strings.Split(s, ",") {
		switch strings.TrimSpace(strings.ToLower(tok)) {
		case "all", "":
			f = Families{Unique: true, ForeignKey: true, NotNull: true}
		case "unique":
			f.Unique = true
		case "fk", "foreignkey":
			f.ForeignKey = true
		case "null", "notnull":
			f.NotNull = true
		default:
			return Families{}, fmt.Errorf("unknown constraint family %q", tok)
		}
	}
	if !f.Unique && !f.ForeignKey && !f.NotNull {
		return Families{}, fmt.Errorf("no constraint families selected")
	}
	return f, nil
}

// ApplyEnv fills unset config fields from the environment, loading envFile
// first when given. A missing default .env is not an error.
func (c *Config) ApplyEnv(envFile string) error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return fmt.Errorf("load env file: %w", err)
		}
	} else if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			return fmt.Errorf("load .env: %w", err)
		}
	}
	if c.App == "" {
		c.App = os.Getenv("APP")
	}
	if c.Constraints == "" {
		if v := os.Getenv("CONS_TYPE"); v != "" {
			c.Constraints = v
		} else {
			c.Constraints = "all"
		}
	}
	return nil
}

// ProjectDirFromEnv returns the <APP>_PROJECT_DIR value for the configured
// app, used when the source directory argument is omitted.
func (c *Config) ProjectDirFromEnv() string {
	if c.App == "" {
		return ""
	}
	return os.Getenv(strings.ToUpper(c.App) + "_PROJECT_DIR")
}
