package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/mnehpets/tunequiz/api"
	"github.com/spf13/cobra"
)

func newRequestCmd(a *app) *cobra.Command {
	var data string
	cmd := &cobra.Command{
		Use:   "request METHOD PATH",
		Short: "Send an authenticated request to the quiz backend",
		Long: `Send an authenticated JSON request to the quiz backend and print the result.

Examples:
  tunequiz request GET /api/quiz/today
  tunequiz request POST /api/quiz --data '{"genre":"80s","count":10}'`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.cfg.Provider.Enabled() {
				return errors.New("request needs backend-url; it is not available in direct provider mode")
			}
			method := strings.ToUpper(args[0])
			switch method {
			case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
			default:
				return fmt.Errorf("unsupported method %q", args[0])
			}
			var body any
			if data != "" {
				if !json.Valid([]byte(data)) {
					return errors.New("--data is not valid JSON")
				}
				body = json.RawMessage(data)
			}

			client, err := api.New(a.cfg.BackendURL, a.manager, api.WithLogger(a.log), api.WithTimeout(a.cfg.RequestTimeout))
			if err != nil {
				return err
			}
			res, err := client.Do(cmd.Context(), method, args[1], body)
			if err != nil {
				return err
			}
			if !res.Exists() {
				return nil
			}
			var buf bytes.Buffer
			if err := json.Indent(&buf, []byte(res.Raw), "", "  "); err != nil {
				buf.Reset()
				buf.WriteString(res.Raw)
			}
			buf.WriteByte('\n')
			_, err = cmd.OutOrStdout().Write(buf.Bytes())
			return err
		},
	}
	cmd.Flags().StringVar(&data, "data", "", "JSON request body")
	return cmd
}
