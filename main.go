package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"virtualfit/pkg/catalog"
	"virtualfit/pkg/client"
	"virtualfit/pkg/config"
	"virtualfit/pkg/job"
	"virtualfit/pkg/logging"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(afero.NewOsFs()).ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

type cli struct {
	configPath string
	cfg        *config.Config
	logger     *slog.Logger
	fs         afero.Fs
}

func newRootCmd(fs afero.Fs) *cobra.Command {
	c := &cli{fs: fs}

	root := &cobra.Command{
		Use:          "tryon",
		Short:        "Virtual try-on client",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(c.configPath)
			if err != nil {
				return err
			}
			if err := cfg.Validate(config.RoleClient); err != nil {
				return err
			}
			c.cfg = cfg
			c.logger = logging.New(cfg.Log, cmd.ErrOrStderr())
			return nil
		},
	}
	root.PersistentFlags().StringVar(&c.configPath, "config", "", "path to a YAML config file")

	root.AddCommand(c.productsCmd(), c.submitCmd(), c.statusCmd())
	return root
}

func (c *cli) productsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "products",
		Short: "List the catalog",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			products, err := catalog.NewClient(c.cfg.Poll.APIBaseURL, nil).FetchProducts(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tMODEL\tCOLOR")
			for _, p := range products {
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", p.ID, p.Name, p.Model, p.Color)
			}
			return tw.Flush()
		},
	}
}

func (c *cli) submitCmd() *cobra.Command {
	var (
		photo     string
		productID int
		out       string
	)
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Try a catalog product on a photo and wait for the result",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			data, err := afero.ReadFile(c.fs, photo)
			if err != nil {
				return fmt.Errorf("read photo: %w", err)
			}
			subject := job.Image{Data: data, Ext: job.ExtFromPath(photo)}
			if err := job.ValidateImage("photo", subject); err != nil {
				return err
			}

			cat := catalog.NewClient(c.cfg.Poll.APIBaseURL, nil)
			products, err := cat.FetchProducts(ctx)
			if err != nil {
				return err
			}
			product, err := catalog.Find(products, productID)
			if err != nil {
				return err
			}
			reference, err := cat.FetchImage(ctx, product.ImageURL)
			if err != nil {
				return err
			}

			api := client.New(c.cfg.Poll.APIBaseURL, nil)
			id, err := api.Submit(ctx, job.Input{Subject: subject, Reference: reference, Description: product.Description})
			if err != nil {
				return err
			}
			c.logger.Info("job submitted", "job_id", id, "product", product.Name)
			fmt.Fprintf(cmd.OutOrStdout(), "Files uploaded, job %s started.\n", id)

			poller := client.NewPoller(api, id,
				client.PollConfig{MaxAttempts: c.cfg.Poll.MaxAttempts, Delay: c.cfg.Poll.Delay()},
				client.WithProgress(func(o client.Outcome) {
					fmt.Fprintf(cmd.OutOrStdout(), "Still processing (attempt %d of %d)...\n", o.Attempts, c.cfg.Poll.MaxAttempts)
				}),
			)
			outcome := poller.Run(ctx)
			return c.finish(cmd, id, outcome, out)
		},
	}
	cmd.Flags().StringVar(&photo, "photo", "", "path to a .jpg or .png photo (required)")
	cmd.Flags().IntVar(&productID, "product-id", 0, "catalog product id (required)")
	cmd.Flags().StringVarP(&out, "out", "o", "", "result file (defaults to <job id>_result<ext>)")
	_ = cmd.MarkFlagRequired("photo")
	_ = cmd.MarkFlagRequired("product-id")
	return cmd
}

func (c *cli) finish(cmd *cobra.Command, id string, o client.Outcome, out string) error {
	switch o.State {
	case client.StateCompleted:
		if out == "" {
			ext := o.ResultExt
			if ext == "" {
				ext = ".png"
			}
			out = id + "_result" + ext
		}
		if dir := filepath.Dir(out); dir != "." {
			if err := c.fs.MkdirAll(dir, 0o755); err != nil {
				return err
			}
		}
		if err := afero.WriteFile(c.fs, out, o.Result, 0o644); err != nil {
			return fmt.Errorf("write result: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Processing finished, result written to %s\n", out)
		return nil
	case client.StateExhausted:
		return errors.New(o.Message)
	default:
		c.logger.Error("job failed", "job_id", id, "kind", o.Kind, logging.Err(o.Err))
		return errors.New(o.Message)
	}
}

func (c *cli) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <job_id>",
		Short: "Show the status of a job once",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := client.New(c.cfg.Poll.APIBaseURL, nil).Status(cmd.Context(), args[0])
			if errors.Is(err, job.ErrNotFound) {
				return fmt.Errorf("job %s was not found", args[0])
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s", args[0], res.Status)
			switch {
			case res.Status == job.StatusCompleted:
				fmt.Fprintf(cmd.OutOrStdout(), " (%d bytes, %s)", len(res.Result), res.ResultExt)
			case res.Error != "":
				fmt.Fprintf(cmd.OutOrStdout(), " (%s)", res.Error)
			}
			fmt.Fprintln(cmd.OutOrStdout())
			return nil
		},
	}
}
