package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/datahive/personal-server/pkg/client"
)

func init() {
	rootCmd.AddCommand(operationCmd)
	operationCmd.AddCommand(operationStatusCmd)
	operationCmd.AddCommand(operationCancelCmd)
	operationCmd.AddCommand(operationArtifactsCmd)
	operationArtifactsCmd.AddCommand(artifactsListCmd)
	operationArtifactsCmd.AddCommand(artifactsGetCmd)

	operationCmd.PersistentFlags().String("server", "http://localhost:8080", "Personal server address")
	artifactsListCmd.Flags().String("signature", "", "Hex signature over the list payload")
	artifactsGetCmd.Flags().String("signature", "", "Hex signature over the download payload")
	artifactsGetCmd.Flags().String("output", "", "Write the artifact to this file instead of stdout")
	artifactsListCmd.MarkFlagRequired("signature")
	artifactsGetCmd.MarkFlagRequired("signature")
}

var operationCmd = &cobra.Command{
	Use:   "operation",
	Short: "Inspect and manage operations",
}

func operationClient(cmd *cobra.Command) (*client.Client, context.Context, context.CancelFunc) {
	addr, _ := cmd.Flags().GetString("server")
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	return client.New(addr), ctx, cancel
}

var operationStatusCmd = &cobra.Command{
	Use:   "status OPERATION_ID",
	Short: "Show the status of an operation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, ctx, cancel := operationClient(cmd)
		defer cancel()

		view, err := c.Get(ctx, args[0])
		if err != nil {
			return err
		}

		out, err := json.MarshalIndent(view, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to render operation: %w", err)
		}
		fmt.Println(string(out))
		return nil
	},
}

var operationCancelCmd = &cobra.Command{
	Use:   "cancel OPERATION_ID",
	Short: "Request cancellation of an operation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, ctx, cancel := operationClient(cmd)
		defer cancel()

		if err := c.Cancel(ctx, args[0]); err != nil {
			return err
		}
		fmt.Println("cancellation requested")
		return nil
	},
}

var operationArtifactsCmd = &cobra.Command{
	Use:   "artifacts",
	Short: "Access the artifacts of an operation",
}

var artifactsListCmd = &cobra.Command{
	Use:   "list OPERATION_ID",
	Short: "List stored artifacts",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, ctx, cancel := operationClient(cmd)
		defer cancel()

		signature, _ := cmd.Flags().GetString("signature")
		infos, err := c.ListArtifacts(ctx, args[0], signature)
		if err != nil {
			return err
		}

		for _, info := range infos {
			fmt.Printf("%-40s %10d  %s\n", info.Name, info.Size, info.ContentType)
		}
		return nil
	},
}

var artifactsGetCmd = &cobra.Command{
	Use:   "get OPERATION_ID ARTIFACT_PATH",
	Short: "Download one artifact",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, ctx, cancel := operationClient(cmd)
		defer cancel()

		signature, _ := cmd.Flags().GetString("signature")
		data, err := c.DownloadArtifact(ctx, args[0], args[1], signature)
		if err != nil {
			return err
		}

		output, _ := cmd.Flags().GetString("output")
		if output == "" {
			_, err = os.Stdout.Write(data)
			return err
		}
		if err := os.WriteFile(output, data, 0o600); err != nil {
			return fmt.Errorf("failed to write artifact: %w", err)
		}
		fmt.Printf("wrote %d bytes to %s\n", len(data), output)
		return nil
	},
}
