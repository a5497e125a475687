package main

import (
	"fmt"
	"io"
	"math/big"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/atmx/pool-engine/internal/engine"
	"github.com/atmx/pool-engine/internal/model"
	"github.com/atmx/pool-engine/internal/pair"
)

type quoteInput struct {
	ReserveIn   uint64
	ReserveOut  uint64
	AmountIn    uint64
	Fee         string
	SlippageBps uint64
}

func runQuote(cmd *cobra.Command, _ []string) error {
	flags := cmd.Flags()
	var in quoteInput
	var err error
	if in.ReserveIn, err = flags.GetUint64("reserve-in"); err != nil {
		return err
	}
	if in.ReserveOut, err = flags.GetUint64("reserve-out"); err != nil {
		return err
	}
	if in.AmountIn, err = flags.GetUint64("amount-in"); err != nil {
		return err
	}
	if in.Fee, err = flags.GetString("fee"); err != nil {
		return err
	}
	if in.SlippageBps, err = flags.GetUint64("slippage-bps"); err != nil {
		return err
	}
	return writeQuote(cmd.OutOrStdout(), in)
}

// writeQuote prices a swap against a throwaway pool holding the given
// reserves and prints the result.
func writeQuote(w io.Writer, in quoteInput) error {
	fee, err := pair.ParseFee(in.Fee)
	if err != nil {
		return err
	}
	pool := &model.Pool{
		ID:             "offline",
		AssetA:         "IN",
		AssetB:         "OUT",
		ReserveA:       in.ReserveIn,
		ReserveB:       in.ReserveOut,
		FeeNumerator:   fee.Numerator,
		FeeDenominator: fee.Denominator,
		Status:         model.StatusActive,
		CreatedAt:      time.Now().UTC(),
	}
	q, err := engine.Quote(pool, in.AmountIn, model.AToB, in.SlippageBps)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "amount in\t%s\t(%s)\n", comma(q.AmountIn), si(q.AmountIn))
	fmt.Fprintf(tw, "amount out\t%s\t(%s)\n", comma(q.AmountOut), si(q.AmountOut))
	fmt.Fprintf(tw, "minimum received\t%s\t(%s slippage)\n", comma(q.MinimumReceived), percent(float64(q.SlippageBps)/100))
	fmt.Fprintf(tw, "spot price\t%s\n", q.SpotPrice)
	fmt.Fprintf(tw, "price after\t%s\n", q.PriceAfter)
	fmt.Fprintf(tw, "price impact\t%s\n", percent(q.PriceImpact.InexactFloat64()*100))
	fmt.Fprintf(tw, "fee\t%s\t(%s)\n", percent(q.Fee.InexactFloat64()*100), fee)
	return tw.Flush()
}

func comma(v uint64) string {
	return humanize.BigComma(new(big.Int).SetUint64(v))
}

func si(v uint64) string {
	value, prefix := humanize.ComputeSI(float64(v))
	return humanize.Ftoa(value) + prefix
}

func percent(v float64) string {
	return humanize.FtoaWithDigits(v, 4) + "%"
}
