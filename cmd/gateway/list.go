package main

import (
	"flag"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/flowgate/gateway/config"
	"github.com/flowgate/gateway/gateway/pricing"
)

// runList pretty-prints the model catalog as a table.
func runList(args []string) int {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	_ = fs.Parse(args)

	cfg, err := config.NewLoader().WithConfigPath(*configPath).Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return exitConfig
	}

	catalog, err := loadCatalog(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load model catalog: %v\n", err)
		return exitModels
	}

	w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, "MODEL\tPROVIDER\tTYPE\tINPUT $/tok\tOUTPUT $/tok\tCONTEXT")
	for _, m := range catalog.All() {
		input, output := priceColumns(m.Price)
		fmt.Fprintf(w, "%s/%s\t%s\t%s\t%s\t%s\t%d\n",
			m.ModelProvider, m.Model,
			m.InferenceProvider.Provider,
			m.Type,
			input, output,
			m.Limits.MaxContextSize)
	}
	if err := w.Flush(); err != nil {
		return exitConfig
	}
	return exitOK
}

func priceColumns(p pricing.ModelPrice) (input, output string) {
	switch p.Kind {
	case pricing.PriceCompletion:
		return fmt.Sprintf("%.8f", p.Completion.PerInputToken), fmt.Sprintf("%.8f", p.Completion.PerOutputToken)
	case pricing.PriceEmbedding:
		return fmt.Sprintf("%.8f", p.Embedding.PerInputToken), "-"
	case pricing.PriceImageGeneration:
		return "-", "per image"
	default:
		return "-", "-"
	}
}
