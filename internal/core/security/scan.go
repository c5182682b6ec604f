// Package security runs the fixed pre-build checklist over a generated
// container spec and the caller's environment variables.
package security

import (
	"bufio"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/artpar/shipyard/internal/core/domain"
)

// Severities of a finding.
const (
	SeverityHigh   = "high"
	SeverityMedium = "medium"
	SeverityLow    = "low"
)

// Check names, in the order they run.
const (
	CheckRequiredInstructions = "required_instructions"
	CheckNonRootUser          = "non_root_user"
	CheckSecretExposure       = "secret_exposure"
	CheckPinnedBaseImage      = "pinned_base_image"
	CheckExposedPort          = "exposed_port"
	CheckLayerCount           = "layer_count"
)

// Checks lists every check the scanner runs.
var Checks = []string{
	CheckRequiredInstructions,
	CheckNonRootUser,
	CheckSecretExposure,
	CheckPinnedBaseImage,
	CheckExposedPort,
	CheckLayerCount,
}

// MaxRunInstructions is the RUN count above which layers should be merged.
const MaxRunInstructions = 10

var secretName = regexp.MustCompile(`(?i)(SECRET|PASSWORD|PASSWD|TOKEN|API_?KEY|PRIVATE_?KEY|CREDENTIALS?)`)

// =============================================================================
// Dockerfile Parsing
// =============================================================================

type instruction struct {
	cmd  string
	args string
}

// parse splits a Dockerfile into instructions, joining continuation lines.
func parse(dockerfile string) []instruction {
	var out []instruction
	var pending strings.Builder
	sc := bufio.NewScanner(strings.NewReader(dockerfile))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if pending.Len() == 0 && (line == "" || strings.HasPrefix(line, "#")) {
			continue
		}
		if strings.HasSuffix(line, "\\") {
			pending.WriteString(strings.TrimSuffix(line, "\\"))
			pending.WriteByte(' ')
			continue
		}
		pending.WriteString(line)
		full := strings.TrimSpace(pending.String())
		pending.Reset()

		cmd, args, _ := strings.Cut(full, " ")
		out = append(out, instruction{cmd: strings.ToUpper(cmd), args: strings.TrimSpace(args)})
	}
	return out
}

// =============================================================================
// Scan
// =============================================================================

// Scan runs every check against the Dockerfile and returns the findings in
// check order. An empty result means the spec passed.
func Scan(dockerfile string) []domain.SecurityFinding {
	ins := parse(dockerfile)
	var findings []domain.SecurityFinding
	findings = append(findings, checkRequired(ins)...)
	findings = append(findings, checkUser(ins)...)
	findings = append(findings, checkSecrets(ins)...)
	findings = append(findings, checkBaseImages(ins)...)
	findings = append(findings, checkExpose(ins)...)
	findings = append(findings, checkLayers(ins)...)
	return findings
}

// Blocking reports whether any finding is high severity.
func Blocking(findings []domain.SecurityFinding) bool {
	for _, f := range findings {
		if f.Severity == SeverityHigh {
			return true
		}
	}
	return false
}

func checkRequired(ins []instruction) []domain.SecurityFinding {
	seen := map[string]bool{}
	for _, i := range ins {
		seen[i.cmd] = true
	}
	var out []domain.SecurityFinding
	for _, req := range []string{"FROM", "WORKDIR", "COPY"} {
		if !seen[req] {
			out = append(out, finding(CheckRequiredInstructions, SeverityMedium, "missing recommended instruction: "+req))
		}
	}
	if !seen["CMD"] && !seen["ENTRYPOINT"] {
		out = append(out, finding(CheckRequiredInstructions, SeverityMedium, "missing recommended instruction: CMD"))
	}
	return out
}

// checkUser inspects the final stage only; builder stages may run as root.
func checkUser(ins []instruction) []domain.SecurityFinding {
	user := ""
	for _, i := range ins {
		switch i.cmd {
		case "FROM":
			user = ""
		case "USER":
			user = i.args
		}
	}
	name, _, _ := strings.Cut(user, ":")
	switch name {
	case "":
		return []domain.SecurityFinding{finding(CheckNonRootUser, SeverityHigh, "container runs as root: no USER instruction in final stage")}
	case "root", "0":
		return []domain.SecurityFinding{finding(CheckNonRootUser, SeverityHigh, "container explicitly runs as root")}
	}
	return nil
}

func checkSecrets(ins []instruction) []domain.SecurityFinding {
	var out []domain.SecurityFinding
	for _, i := range ins {
		switch i.cmd {
		case "ENV", "ARG":
			for _, kv := range envPairs(i.args) {
				if secretName.MatchString(kv[0]) && kv[1] != "" && !strings.HasPrefix(kv[1], "$") {
					out = append(out, finding(CheckSecretExposure, SeverityHigh,
						fmt.Sprintf("%s %s bakes a secret value into the image", i.cmd, kv[0])))
				}
			}
		case "COPY", "ADD":
			fields := strings.Fields(i.args)
			if len(fields) < 2 {
				continue
			}
			for _, f := range fields[:len(fields)-1] {
				if strings.HasPrefix(f, "--") {
					continue
				}
				base := f[strings.LastIndex(f, "/")+1:]
				if base == ".env" || strings.HasSuffix(base, ".pem") || base == "id_rsa" {
					out = append(out, finding(CheckSecretExposure, SeverityHigh,
						fmt.Sprintf("%s copies secret file %s into the image", i.cmd, f)))
				}
			}
		}
	}
	return out
}

// envPairs parses "A=1 B=2" and the legacy "A 1" form.
func envPairs(args string) [][2]string {
	var out [][2]string
	if !strings.Contains(args, "=") {
		k, v, _ := strings.Cut(args, " ")
		return append(out, [2]string{k, strings.TrimSpace(v)})
	}
	for _, f := range strings.Fields(args) {
		k, v, _ := strings.Cut(f, "=")
		out = append(out, [2]string{k, strings.Trim(v, `"'`)})
	}
	return out
}

func checkBaseImages(ins []instruction) []domain.SecurityFinding {
	stages := map[string]bool{}
	var out []domain.SecurityFinding
	for _, i := range ins {
		if i.cmd != "FROM" {
			continue
		}
		fields := strings.Fields(i.args)
		var image string
		for _, f := range fields {
			if !strings.HasPrefix(f, "--") {
				image = f
				break
			}
		}
		if len(fields) >= 3 && strings.EqualFold(fields[len(fields)-2], "AS") {
			stages[strings.ToLower(fields[len(fields)-1])] = true
		}
		if image == "" || stages[strings.ToLower(image)] || image == "scratch" {
			continue
		}
		if !pinned(image) {
			out = append(out, finding(CheckPinnedBaseImage, SeverityMedium,
				fmt.Sprintf("base image %s is not pinned to a version", image)))
		}
	}
	return out
}

func pinned(image string) bool {
	if strings.Contains(image, "@sha256:") {
		return true
	}
	slash := strings.LastIndex(image, "/")
	colon := strings.LastIndex(image, ":")
	if colon <= slash {
		return false
	}
	tag := image[colon+1:]
	return tag != "" && tag != "latest"
}

func checkExpose(ins []instruction) []domain.SecurityFinding {
	for _, i := range ins {
		if i.cmd == "EXPOSE" {
			return nil
		}
	}
	return []domain.SecurityFinding{finding(CheckExposedPort, SeverityLow, "no EXPOSE instruction: the serving port is undocumented")}
}

func checkLayers(ins []instruction) []domain.SecurityFinding {
	n := 0
	for _, i := range ins {
		if i.cmd == "RUN" {
			n++
		}
	}
	if n > MaxRunInstructions {
		return []domain.SecurityFinding{finding(CheckLayerCount, SeverityLow,
			fmt.Sprintf("%d RUN instructions: consider combining them", n))}
	}
	return nil
}

func finding(check, severity, msg string) domain.SecurityFinding {
	return domain.SecurityFinding{Check: check, Severity: severity, Message: msg}
}

// =============================================================================
// Environment Variables
// =============================================================================

var envKey = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ReservedEnvVars are set by the deploy target and may not be overridden.
var ReservedEnvVars = map[string]bool{
	"PORT":            true,
	"K_SERVICE":       true,
	"K_REVISION":      true,
	"K_CONFIGURATION": true,
}

// MaxEnvValueBytes bounds a single environment value.
const MaxEnvValueBytes = 32 * 1024

// SanitizeEnvVars drops invalid or reserved keys and oversized values. The
// returned warnings explain every dropped key and every secret-looking value.
func SanitizeEnvVars(env map[string]string) (map[string]string, []string) {
	if len(env) == 0 {
		return nil, nil
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	clean := make(map[string]string, len(env))
	var warnings []string
	for _, k := range keys {
		v := env[k]
		switch {
		case !envKey.MatchString(k):
			warnings = append(warnings, fmt.Sprintf("dropped environment variable %q: invalid name", k))
		case ReservedEnvVars[strings.ToUpper(k)]:
			warnings = append(warnings, fmt.Sprintf("dropped environment variable %s: reserved by the platform", k))
		case len(v) > MaxEnvValueBytes:
			warnings = append(warnings, fmt.Sprintf("dropped environment variable %s: value exceeds %d bytes", k, MaxEnvValueBytes))
		default:
			clean[k] = v
			if secretName.MatchString(k) {
				warnings = append(warnings, fmt.Sprintf("environment variable %s looks like a secret; prefer a secret manager", k))
			}
		}
	}
	return clean, warnings
}
