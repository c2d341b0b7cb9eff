package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	cfgpkg "llmcls/internal/config"
)

// newInitCmd: 在目录中生成默认配置与 .env 模板；已存在的配置文件不覆盖（报错），.env 已存在则跳过。
func newInitCmd(stdout, stderr io.Writer, code *int) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "init-config [dir]",
		Short: "生成默认配置（config.json 或 config.yaml）与 .env 模板",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) == 1 && strings.TrimSpace(args[0]) != "" {
				dir = strings.TrimSpace(args[0])
			}
			path, err := initConfig(dir, format)
			if err != nil {
				fmt.Fprintf(stderr, "生成默认配置失败: %v\n", err)
				*code = exitConfig
				return nil
			}
			fmt.Fprintf(stdout, "已生成 %s\n", path)
			*code = exitOK
			return nil
		},
	}
	cmd.Flags().StringVar(&format, "format", "json", "模板格式：json|yaml")
	return cmd
}

func initConfig(dir, format string) (string, error) {
	format = strings.ToLower(strings.TrimSpace(format))
	b, err := cfgpkg.RenderTemplate(cfgpkg.DefaultTemplateConfig(), format)
	if err != nil {
		return "", err
	}
	ext := ".json"
	if format == "yaml" || format == "yml" {
		ext = ".yaml"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, "config"+ext)
	if err := writeNew(path, b); err != nil {
		return "", err
	}
	if err := writeNew(filepath.Join(dir, ".env"), []byte(cfgpkg.DotEnvTemplate())); err != nil && !errors.Is(err, os.ErrExist) {
		return path, err
	}
	return path, nil
}

// writeNew 仅创建新文件，不覆盖。
func writeNew(path string, b []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
