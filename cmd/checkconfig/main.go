// Command checkconfig validates a relay config file without starting the
// server. Intended for CI and pre-deploy checks: it runs the same load and
// validation path as cmd/relay and reports every problem it can find.
package main

import (
	"fmt"
	"os"

	"pocketclaw/internal/config"
)

func main() {
	path := config.ConfigPath
	switch len(os.Args) {
	case 1:
	case 2:
		path = os.Args[1]
	default:
		fmt.Fprintf(os.Stderr, "usage: %s [config.yaml]\n", os.Args[0])
		os.Exit(2)
	}

	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "checkconfig: %v\n", err)
		os.Exit(1)
	}

	failed := false
	if _, err := config.ParseJWTLeeway(cfg.JWTLeeway); err != nil {
		fmt.Fprintf(os.Stderr, "checkconfig: %v\n", err)
		failed = true
	}
	if _, err := config.ParseReadyDelay(cfg.MachineReadyDelay); err != nil {
		fmt.Fprintf(os.Stderr, "checkconfig: %v\n", err)
		failed = true
	}
	if failed {
		os.Exit(1)
	}

	fmt.Printf("%s: ok\n", path)
	fmt.Printf("  port:            %s\n", cfg.Port)
	fmt.Printf("  fly app:         %s\n", cfg.FlyAppName)
	fmt.Printf("  machine image:   %s\n", cfg.MachineImage)
	fmt.Printf("  database:        %s\n", redactURL(cfg.DatabaseURL))
	fmt.Printf("  redis:           %s\n", orUnset(cfg.RedisAddr))
	fmt.Printf("  archive:         %s\n", orUnset(cfg.MinioEndpoint))
	fmt.Printf("  rate limit:      %d msg/min\n", cfg.MessageRateLimitPerMin)
	fmt.Printf("  signup bonus:    %d credits\n", cfg.SignupBonusCredits)
}

func orUnset(value string) string {
	if value == "" {
		return "(not configured)"
	}
	return value
}

// redactURL hides everything between the scheme and the host so credentials
// embedded in connection strings never reach CI logs.
func redactURL(raw string) string {
	for i := 0; i < len(raw); i++ {
		if raw[i] == '@' {
			for j := 0; j+2 < len(raw); j++ {
				if raw[j] == ':' && raw[j+1] == '/' && raw[j+2] == '/' {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
