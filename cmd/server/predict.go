package main

import (
	"encoding/base64"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Brownie44l1/digit-api/internal/model"
	"github.com/Brownie44l1/digit-api/internal/preprocess"
)

func predictCmd(configPath *string) *cobra.Command {
	var canvas bool

	c := &cobra.Command{
		Use:   "predict <image>",
		Short: "Classify one local image file without starting the server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup(*configPath)
			if err != nil {
				return err
			}

			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read image: %w", err)
			}

			var tensor model.Tensor
			if canvas {
				tensor, err = preprocess.FromCanvas("file," + base64.StdEncoding.EncodeToString(data))
			} else {
				tensor, err = preprocess.FromImage(data)
			}
			if err != nil {
				return err
			}

			h, err := loadModel(cfg, log)
			if err != nil {
				return err
			}
			defer h.Close()

			start := time.Now()
			res, err := model.Predict(h, tensor)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "prediction: %d\n", res.Prediction)
			fmt.Fprintf(out, "confidence: %.4f\n", res.Confidence)
			fmt.Fprintf(out, "elapsed:    %s\n", time.Since(start))
			if !h.Loaded() {
				fmt.Fprintln(out, "warning:    model weights not loaded; result comes from default parameters")
			}
			return nil
		},
	}

	c.Flags().BoolVar(&canvas, "canvas", false, "Treat the image as a canvas drawing (dark strokes on light background)")
	return c
}
