package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	cli "github.com/urfave/cli/v3"

	"github.com/loomworks/loom/pkg/lookup"
)

func validateCommand() *cli.Command {
	return &cli.Command{
		Name:      "validate",
		Usage:     "Validate workflow definition files without starting the engine",
		ArgsUsage: "<file> [file...]",
		Action: func(_ context.Context, command *cli.Command) error {
			files := command.Args().Slice()
			if len(files) == 0 {
				return errors.New("no definition files given")
			}

			failed := 0

			for _, file := range files {
				err := validateFile(file)
				if err != nil {
					failed++

					fmt.Fprintf(os.Stderr, "%s: %v\n", file, err)

					continue
				}

				fmt.Printf("%s: ok\n", file)
			}

			if failed > 0 {
				return fmt.Errorf("%d of %d definitions invalid", failed, len(files))
			}

			return nil
		},
	}
}

func validateFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	id := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))

	_, err = lookup.ParseDefinition(id, data)

	return err
}
