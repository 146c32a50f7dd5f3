package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Import or export workflow rules as YAML",
}

var rulesExportCmd = &cobra.Command{
	Use:   "export [file]",
	Short: "Write all rules to a YAML file (stdout when omitted)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := cliApp()
		if err != nil {
			return err
		}
		defer a.Close()

		data, err := a.service.ExportRules(context.Background())
		if err != nil {
			return err
		}
		if len(args) == 0 {
			_, err = cmd.OutOrStdout().Write(data)
			return err
		}
		return os.WriteFile(args[0], data, 0o644)
	},
}

var rulesImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Create or update rules from a YAML file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		a, err := cliApp()
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := a.service.ImportRules(context.Background(), data, "cli")
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "created: %d, updated: %d\n", res.Created, res.Updated)
		return nil
	},
}

func init() {
	rulesCmd.AddCommand(rulesExportCmd, rulesImportCmd)
	rootCmd.AddCommand(rulesCmd)
}

// cliApp 供一次性子命令使用，不启动调度器与消费者
func cliApp() (*app, error) {
	cfg, logger, err := loadConfig()
	if err != nil {
		return nil, err
	}
	// 命令行输出保持干净
	if logger.GetLevel() > logrus.WarnLevel {
		logger.SetLevel(logrus.WarnLevel)
	}
	return newApp(context.Background(), cfg, logger)
}
