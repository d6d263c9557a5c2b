package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"gensearch-go/gensearch"
	"gensearch-go/logger"
	"gensearch-go/onnxmodel"
	"gensearch-go/server"
	"gensearch-go/tokenize"
)

func main() {
	app := &cli.Command{
		Name:  "gensearch",
		Usage: "Token-generation search runtime CLI",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return cli.ShowAppHelp(cmd)
		},
		Commands: []*cli.Command{
			runCmd(),
			serveCmd(),
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runCmd() *cli.Command {
	var (
		modelDir   string
		configPath string
		verbose    bool
		prompt     string
		maxLength  int64
		topK       int64
		topP       float64
		temp       float64
		seed       int64
	)
	return &cli.Command{
		Name:  "run",
		Usage: "Generate a completion for a prompt",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "model", Usage: "model directory (omit for the built-in demo model)", Destination: &modelDir},
			&cli.StringFlag{Name: "config", Usage: "YAML file with generation defaults", Destination: &configPath},
			&cli.BoolFlag{Name: "verbose", Usage: "debug logging", Destination: &verbose},
			&cli.StringFlag{Name: "prompt", Required: true, Usage: "prompt text", Destination: &prompt},
			&cli.Int64Flag{Name: "max-length", Usage: "override max sequence length", Destination: &maxLength},
			&cli.Int64Flag{Name: "top-k", Usage: "enable top-k sampling", Destination: &topK},
			&cli.Float64Flag{Name: "top-p", Usage: "enable nucleus sampling", Destination: &topP},
			&cli.Float64Flag{Name: "temperature", Usage: "sampling temperature", Destination: &temp},
			&cli.Int64Flag{Name: "seed", Value: -1, Usage: "sampler seed (-1 for entropy)", Destination: &seed},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			engine, vocab, eos, err := buildEngine(modelDir, verbose)
			if err != nil {
				return err
			}
			defer engine.Close()

			defaults, err := loadGenerationDefaults(configPath)
			if err != nil {
				return err
			}
			if maxLength > 0 {
				defaults.MaxLength = int(maxLength)
			}
			if topK > 0 {
				defaults.TopK = int(topK)
			}
			if topP > 0 {
				defaults.TopP = float32(topP)
			}
			if temp > 0 {
				defaults.Temperature = float32(temp)
			}
			if cmd.IsSet("seed") {
				defaults.Seed = seed
			}

			params, err := gensearch.NewGeneratorParams(vocab, defaults.options(eos)...)
			if err != nil {
				return err
			}

			outputs, err := engine.Generate([]string{prompt}, params, true)
			if err != nil {
				return err
			}
			fmt.Println(outputs[0].Text)
			return nil
		},
	}
}

func serveCmd() *cli.Command {
	var (
		modelDir   string
		configPath string
		verbose    bool
		addr       string
	)
	return &cli.Command{
		Name:  "serve",
		Usage: "Serve generation over HTTP",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "model", Usage: "model directory (omit for the built-in demo model)", Destination: &modelDir},
			&cli.StringFlag{Name: "config", Usage: "YAML file with generation defaults", Destination: &configPath},
			&cli.BoolFlag{Name: "verbose", Usage: "debug logging", Destination: &verbose},
			&cli.StringFlag{Name: "addr", Value: ":8080", Usage: "listen address", Destination: &addr},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			engine, vocab, eos, err := buildEngine(modelDir, verbose)
			if err != nil {
				return err
			}
			defer engine.Close()

			defaults, err := loadGenerationDefaults(configPath)
			if err != nil {
				return err
			}

			srv := server.New(engine, vocab, buildLogger(verbose), defaults.options(eos)...)
			return srv.Start(ctx, addr)
		},
	}
}

func buildLogger(verbose bool) logger.Logger {
	if verbose {
		return logger.Default()
	}
	return logger.Discard()
}

// buildEngine wires the model, tokenizer, and engine. With no model directory
// it falls back to the built-in demo model so the loop can be exercised
// offline.
func buildEngine(modelDir string, verbose bool) (*gensearch.Engine, int, int32, error) {
	log := buildLogger(verbose)

	if modelDir != "" {
		model, err := onnxmodel.New(modelDir)
		if err != nil {
			return nil, 0, 0, err
		}
		cfg := model.Config()
		tok, err := tokenize.NewHFTokenizer(cfg.TokenizerPath(), cfg.EOSTokenID)
		if err != nil {
			return nil, 0, 0, err
		}
		engine, err := gensearch.NewEngine(model, tok, gensearch.WithEngineLogger(log))
		if err != nil {
			return nil, 0, 0, err
		}
		return engine, cfg.VocabSize, cfg.EOSTokenID, nil
	}

	const demoVocab = 257
	tok := tokenize.NewWordTokenizer()
	engine, err := gensearch.NewEngine(newDemoModel(demoVocab), tok,
		gensearch.WithEngineLogger(log),
		gensearch.WithCacheBlockSize(16),
	)
	if err != nil {
		return nil, 0, 0, err
	}
	return engine, demoVocab, tok.EOSTokenID(), nil
}
