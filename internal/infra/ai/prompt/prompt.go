// Package prompt builds the system/user message pair for each analysis
// request kind. Tool output is embedded into the user message; the system
// message carries the reverse-engineering specialization.
package prompt

import (
	"fmt"
	"strings"

	domain "github.com/thestingr/ghidrad/internal/domain/analysis"
)

// Token budgets per operation class. Deep binary analysis gets the largest
// window; free-form queries the smallest.
const (
	maxTokensDefault  = 2000
	maxTokensAnalysis = 4000
	maxTokensExploit  = 3000
)

var depthDirectives = map[string]string{
	"quick":           "Provide a rapid assessment focusing on high-level structure and obvious security issues.",
	"standard":        "Perform comprehensive analysis including function analysis, security assessment, and architectural overview.",
	"deep":            "Conduct exhaustive analysis including advanced vulnerability research, algorithm identification, and exploitation assessment.",
	"exploit_focused": "Focus specifically on exploitation opportunities, vulnerability chains, and attack surface analysis.",
}

var scopeDirectives = map[string]string{
	"static_only":            "Restrict the assessment to static structure; do not speculate about runtime behavior.",
	"behavioral":             "Analyze expected runtime behavior, network connections, and system modifications.",
	"network_analysis":       "Focus on command-and-control patterns, protocols, and exfiltration channels.",
	"persistence_mechanisms": "Focus on persistence techniques: services, scheduled tasks, registry, bootkits.",
	"evasion_techniques":     "Focus on anti-analysis, anti-debug, and sandbox evasion techniques.",
}

// Build derives the inference prompt for a request kind from the tool's
// captured output.
func Build(req domain.Request, toolOutput string, truncated bool) domain.Prompt {
	p := domain.Prompt{RequestID: req.ID, MaxTokens: maxTokensDefault}

	var sys, user strings.Builder
	switch req.Kind {
	case domain.KindBinaryAnalysis:
		p.MaxTokens = maxTokensAnalysis
		sys.WriteString("You are an expert reverse engineer and binary analyst. ")
		sys.WriteString(directive(depthDirectives, req.Params["depth"],
			"Perform standard analysis."))
		if focus := req.Params["focus"]; focus != "" {
			fmt.Fprintf(&sys, " Pay special attention to: %s.", focus)
		}
		fmt.Fprintf(&user, "Ghidra analysis output for %s:\n\n%s", req.Target, toolOutput)

	case domain.KindFunctionAnalysis:
		p.MaxTokens = maxTokensAnalysis
		sys.WriteString("You are an expert reverse engineer analyzing a specific decompiled function. ")
		switch req.Params["analysis_type"] {
		case "vulnerability_scan":
			sys.WriteString("Identify memory-safety and logic vulnerabilities with exact locations.")
		case "algorithm_identification":
			sys.WriteString("Identify the algorithm the function implements and its parameters.")
		case "crypto_analysis":
			sys.WriteString("Identify cryptographic primitives, constants, and key handling flaws.")
		default:
			sys.WriteString("Perform general function analysis.")
		}
		fmt.Fprintf(&user, "Function %s from %s:\n\n%s",
			req.Params["function"], req.Target, toolOutput)

	case domain.KindExploitDevelopment:
		p.MaxTokens = maxTokensExploit
		sys.WriteString("You are an expert exploit developer assessing exploitation opportunities for authorized security research. ")
		if plat := req.Params["platform"]; plat != "" {
			fmt.Fprintf(&sys, "Target platform: %s. ", plat)
		}
		if et := req.Params["exploit_type"]; et != "" {
			fmt.Fprintf(&sys, "Concentrate on %s techniques. ", strings.ReplaceAll(et, "_", " "))
		}
		sys.WriteString("Describe mitigations alongside every finding.")
		fmt.Fprintf(&user, "Ghidra output for %s:\n\n%s", req.Target, toolOutput)

	case domain.KindMalwareAnalysis:
		p.MaxTokens = maxTokensAnalysis
		sys.WriteString("You are an expert malware analyst working in an isolated lab environment. ")
		sys.WriteString(directive(scopeDirectives, req.Params["scope"],
			"Perform comprehensive malware analysis."))
		fmt.Fprintf(&user, "Static analysis of sample %s:\n\n%s", req.Target, toolOutput)

	case domain.KindFirmwareAnalysis:
		p.MaxTokens = maxTokensAnalysis
		sys.WriteString("You are an expert firmware security researcher for IoT and embedded systems. ")
		if arch := req.Params["arch"]; arch != "" {
			fmt.Fprintf(&sys, "Architecture: %s. ", arch)
		}
		if dev := req.Params["device"]; dev != "" {
			fmt.Fprintf(&sys, "Device class: %s. ", dev)
		}
		fmt.Fprintf(&user, "Firmware image analysis of %s:\n\n%s", req.Target, toolOutput)

	case domain.KindPatternSearch:
		sys.WriteString("You are an expert code pattern analyst. ")
		switch req.Params["pattern_type"] {
		case "vulnerability_patterns":
			sys.WriteString("Flag each match with exploitability and severity.")
		case "crypto_algorithms":
			sys.WriteString("Identify cryptographic algorithms from their constants and structure.")
		case "anti_debug":
			sys.WriteString("Identify anti-debugging and anti-analysis constructs.")
		default:
			sys.WriteString("Report every occurrence of the requested pattern with context.")
		}
		fmt.Fprintf(&user, "Search for %q in %s. Ghidra output:\n\n%s",
			req.Params["pattern"], req.Target, toolOutput)

	default: // KindQuery
		sys.WriteString("You are an expert in reverse engineering, binary exploitation, and malware analysis. Answer precisely and technically.")
		if spec := req.Params["specialization"]; spec != "" {
			fmt.Fprintf(&sys, " Specialization: %s.", strings.ReplaceAll(spec, "_", " "))
		}
		user.WriteString(req.Params["query"])
		if ctx := req.Params["context"]; ctx != "" {
			fmt.Fprintf(&user, "\n\nContext:\n%s", ctx)
		}
	}

	if truncated {
		user.WriteString("\n\n[tool output truncated at capture limit]")
	}
	p.System = sys.String()
	p.User = user.String()
	return p
}

func directive(m map[string]string, key, fallback string) string {
	if d, ok := m[key]; ok {
		return d
	}
	return fallback
}
