package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/pflag"

	"github.com/Mindburn-Labs/helm-market/pkg/expression"
	"github.com/Mindburn-Labs/helm-market/pkg/matcher"
	"github.com/Mindburn-Labs/helm-market/pkg/properties"
)

// readArg returns the literal value, or the file contents for "@path".
func readArg(v string) (string, error) {
	if len(v) > 1 && v[0] == '@' {
		b, err := os.ReadFile(v[1:])
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
	return v, nil
}

// runFlattenCmd implements `market flatten`.
func runFlattenCmd(args []string, stdout, stderr io.Writer) int {
	cmd := pflag.NewFlagSet("flatten", pflag.ContinueOnError)
	cmd.SetOutput(stderr)
	props := cmd.StringP("properties", "p", "", "JSON properties, or @file")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	raw, err := readArg(*props)
	if err != nil || raw == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --properties is required")
		return 2
	}
	lines, err := properties.FlattenJSON([]byte(raw))
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	for _, l := range lines {
		_, _ = fmt.Fprintln(stdout, l)
	}
	return 0
}

// runParseCmd implements `market parse`.
func runParseCmd(args []string, stdout, stderr io.Writer) int {
	cmd := pflag.NewFlagSet("parse", pflag.ContinueOnError)
	cmd.SetOutput(stderr)
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if cmd.NArg() != 1 {
		_, _ = fmt.Fprintln(stderr, "Usage: market parse <constraints>")
		return 2
	}
	expr, err := expression.Parse(cmd.Arg(0))
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintln(stdout, expr.String())
	return 0
}

type matchOutput struct {
	Match          string   `json:"match"`
	DemandMismatch []string `json:"demand_mismatch"`
	OfferMismatch  []string `json:"offer_mismatch"`
}

// runMatchCmd implements `market match`. Exit code 0 means Yes, 1 No or
// Undefined, 2 bad input.
func runMatchCmd(args []string, stdout, stderr io.Writer) int {
	cmd := pflag.NewFlagSet("match", pflag.ContinueOnError)
	cmd.SetOutput(stderr)
	var demandProps, demandCons, offerProps, offerCons string
	var jsonOutput bool
	cmd.StringVar(&demandProps, "demand", "{}", "demand properties JSON, or @file")
	cmd.StringVar(&demandCons, "demand-constraints", "()", "demand constraint filter")
	cmd.StringVar(&offerProps, "offer", "{}", "offer properties JSON, or @file")
	cmd.StringVar(&offerCons, "offer-constraints", "()", "offer constraint filter")
	cmd.BoolVar(&jsonOutput, "json", false, "print the verdict as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	values := []*string{&demandProps, &demandCons, &offerProps, &offerCons}
	for _, v := range values {
		s, err := readArg(*v)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		*v = s
	}

	m, err := matcher.MatchDemandOffer(demandProps, demandCons, offerProps, offerCons)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if jsonOutput {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(matchOutput{Match: m.Kind.String(), DemandMismatch: m.DemandMismatch, OfferMismatch: m.OfferMismatch})
	} else {
		_, _ = fmt.Fprintln(stdout, m.Kind.String())
		if len(m.DemandMismatch) > 0 {
			_, _ = fmt.Fprintf(stdout, "  demand: %v\n", m.DemandMismatch)
		}
		if len(m.OfferMismatch) > 0 {
			_, _ = fmt.Fprintf(stdout, "  offer:  %v\n", m.OfferMismatch)
		}
	}
	if m.Kind != matcher.Yes {
		return 1
	}
	return 0
}
