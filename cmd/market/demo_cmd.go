package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/Mindburn-Labs/helm-market/pkg/config"
	"github.com/Mindburn-Labs/helm-market/pkg/contracts"
	"github.com/Mindburn-Labs/helm-market/pkg/crypto"
	"github.com/Mindburn-Labs/helm-market/pkg/negotiation"
	"github.com/Mindburn-Labs/helm-market/pkg/negotiator"
	"github.com/Mindburn-Labs/helm-market/pkg/store"
	"github.com/Mindburn-Labs/helm-market/pkg/transport"
)

const (
	demoOffer  = `{"golem":{"inf":{"mem":{"gib":8},"cpu":{"threads":4}},"com":{"pricing":{"model":{"linear":{"coeffs":[0.02,0.01,0.5]}}}}}}`
	demoDemand = `{"golem":{"srv":{"comp":{"task_package":"hash:sha3:demo"}},"com":{"pricing":{"model":{"linear":{"coeffs":[0.01,0.01,0.3]}}}}}}`
)

type demoOptions struct {
	offer, offerConstraints   string
	demand, demandConstraints string
	negotiators               string
	timeout                   time.Duration
}

// runDemoCmd implements `market demo`: a provider and a requestor negotiate
// over an in-process network until an agreement is approved.
func runDemoCmd(args []string, stdout, stderr io.Writer) int {
	cmd := pflag.NewFlagSet("demo", pflag.ContinueOnError)
	cmd.SetOutput(stderr)
	var opts demoOptions
	var verbose bool
	cmd.StringVar(&opts.offer, "offer", demoOffer, "offer properties JSON, or @file")
	cmd.StringVar(&opts.offerConstraints, "offer-constraints", "(golem.srv.comp.task_package=*)", "offer constraints")
	cmd.StringVar(&opts.demand, "demand", demoDemand, "demand properties JSON, or @file")
	cmd.StringVar(&opts.demandConstraints, "demand-constraints", "(&(golem.inf.mem.gib>=4)(golem.inf.cpu.threads>=2))", "demand constraints")
	cmd.StringVar(&opts.negotiators, "negotiators", "", "negotiator chain file (YAML or JSONC); default is price + one agreement")
	cmd.DurationVar(&opts.timeout, "timeout", 10*time.Second, "give up after this long")
	cmd.BoolVarP(&verbose, "verbose", "v", false, "log engine activity to stderr")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	for _, v := range []*string{&opts.offer, &opts.demand} {
		s, err := readArg(*v)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		*v = s
	}

	level := slog.LevelWarn
	if verbose {
		level = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level})))

	ctx, cancel := context.WithTimeout(context.Background(), opts.timeout)
	defer cancel()
	if err := runDemo(ctx, stdout, opts); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func runDemo(ctx context.Context, out io.Writer, opts demoOptions) error {
	chain := negotiator.NewChain(negotiator.NewLinearPricing("price", ""), negotiator.NewAgreementLimit("limit", 1))
	if opts.negotiators != "" {
		var err error
		if chain, err = config.LoadChain(opts.negotiators); err != nil {
			return err
		}
	}

	provID, err := crypto.NewEd25519Identity()
	if err != nil {
		return err
	}
	reqID, err := crypto.NewEd25519Identity()
	if err != nil {
		return err
	}
	net := transport.NewMemoryNetwork()
	provider, err := negotiation.New(contracts.OwnerProvider, provID, store.NewMemoryStore(),
		net.Endpoint(provID.NodeID()), negotiation.WithChain(chain))
	if err != nil {
		return err
	}
	requestor, err := negotiation.New(contracts.OwnerRequestor, reqID, store.NewMemoryStore(),
		net.Endpoint(reqID.NodeID()))
	if err != nil {
		return err
	}
	net.Join(provID.NodeID(), provider)
	net.Join(reqID.NodeID(), requestor, transport.TopicOffers)
	_, _ = fmt.Fprintf(out, "provider  %s\nrequestor %s\n", provID.NodeID()[:16], reqID.NodeID()[:16])

	demand, err := requestor.Subscribe(ctx, negotiation.SubscribeRequest{
		Properties: []byte(opts.demand), Constraints: opts.demandConstraints, TTL: time.Hour,
	})
	if err != nil {
		return fmt.Errorf("demand: %w", err)
	}
	offer, err := provider.Subscribe(ctx, negotiation.SubscribeRequest{
		Properties: []byte(opts.offer), Constraints: opts.offerConstraints, TTL: time.Hour,
	})
	if err != nil {
		return fmt.Errorf("offer: %w", err)
	}
	_, _ = fmt.Fprintf(out, "demand    %s\noffer     %s\n", demand.ID[:16], offer.ID[:16])

	approvals := make(chan *contracts.Agreement, 1)
	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return newAgent(provider, offer, time.Hour, nil).run(gctx) })
	g.Go(func() error { return newAgent(requestor, demand, time.Hour, approvals).run(gctx) })

	var agreement *contracts.Agreement
	select {
	case agreement = <-approvals:
	case <-ctx.Done():
		stop()
		_ = g.Wait()
		return fmt.Errorf("no agreement: %w", ctx.Err())
	}

	_, _ = fmt.Fprintf(out, "agreement %s %s\n", agreement.ID, agreement.State)
	_, _ = fmt.Fprintf(out, "  offer   %s\n", agreement.Offer.Properties)
	_, _ = fmt.Fprintf(out, "  demand  %s\n", agreement.Demand.Properties)

	token, err := provider.Attest(ctx, agreement.ID, time.Hour)
	if err != nil {
		return err
	}
	claims, err := crypto.VerifyAttestation(token, provID.NodeID(), time.Now())
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(out, "attested  %s by provider\n", claims.State)

	if err := requestor.TerminateAgreement(ctx, agreement.ID, contracts.NewReason("demo finished")); err != nil {
		return err
	}
	final, err := provider.GetAgreement(ctx, agreement.ID)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(out, "provider sees %s (%s)\n", final.State, final.Reason)

	stop()
	return g.Wait()
}
