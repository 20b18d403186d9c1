package logger

import (
	"os"
	"strings"
)

type Env string

const (
	EnvDev   Env = "dev"
	EnvStage Env = "stage"
	EnvProd  Env = "prod"
)

// DetectEnv читает CODEROOM_ENV, затем общий APP_ENV.
func DetectEnv() Env {
	if v := os.Getenv("CODEROOM_ENV"); strings.TrimSpace(v) != "" {
		return ParseEnv(v)
	}
	return ParseEnv(os.Getenv("APP_ENV"))
}

// ParseEnv: всё нераспознанное считается dev.
func ParseEnv(raw string) Env {
	switch v := strings.ToLower(strings.TrimSpace(raw)); {
	case v == "prod" || v == "production" || strings.HasPrefix(v, "prod-"):
		return EnvProd
	case v == "stage" || v == "staging" || v == "preprod" || strings.HasPrefix(v, "stage-"):
		return EnvStage
	default:
		return EnvDev
	}
}

func (e Env) production() bool { return e == EnvStage || e == EnvProd }
