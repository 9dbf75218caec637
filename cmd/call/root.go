// Package call implements a small demo HTTP client against a running
// replicate node - the same role the teacher's cmd/kv played against its
// RPC transport, reimagined over the plain REST surface internal/frontend
// exposes instead of a pluggable RPC transport/serializer pair.
package call

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// CallCmd is the demo client command group.
var CallCmd = &cobra.Command{
	Use:               "call",
	Short:             "Issue a request against a running replicate node",
	PersistentPreRunE: bindFlags,
}

func init() {
	CallCmd.PersistentFlags().String("endpoint", "http://localhost:8080", "base URL of any node in the cluster")
	CallCmd.PersistentFlags().Int("timeout", 10, "request timeout in seconds")

	CallCmd.AddCommand(createCollectionCmd)
	CallCmd.AddCommand(putDocumentCmd)
	CallCmd.AddCommand(getDocumentCmd)
	CallCmd.AddCommand(deleteDocumentCmd)
}

func bindFlags(cmd *cobra.Command, _ []string) error {
	return viper.BindPFlags(cmd.Flags())
}

func httpClient() *http.Client {
	return &http.Client{Timeout: time.Duration(viper.GetInt("timeout")) * time.Second}
}

func do(method, path string, body []byte) error {
	url := viper.GetString("endpoint") + path
	req, err := http.NewRequest(method, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	resp, err := httpClient().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	fmt.Printf("%s\n%s\n", resp.Status, out)
	return nil
}

var createCollectionCmd = &cobra.Command{
	Use:   "create-collection <name>",
	Short: "Create a collection",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		return do(http.MethodPost, "/collections/"+args[0], nil)
	},
}

var putDocumentCmd = &cobra.Command{
	Use:   "put <collection> <id> <json-fields>",
	Short: "Create or replace a document",
	Args:  cobra.ExactArgs(3),
	RunE: func(_ *cobra.Command, args []string) error {
		collection, id, fields := args[0], args[1], args[2]
		body := []byte(fmt.Sprintf(`{"id":%q,"fields":%s}`, id, fields))
		return do(http.MethodPut, "/collections/"+collection+"/documents/"+id, body)
	},
}

var getDocumentCmd = &cobra.Command{
	Use:   "get <collection> <id>",
	Short: "Fetch a document",
	Args:  cobra.ExactArgs(2),
	RunE: func(_ *cobra.Command, args []string) error {
		return do(http.MethodGet, "/collections/"+args[0]+"/documents/"+args[1], nil)
	},
}

var deleteDocumentCmd = &cobra.Command{
	Use:   "del <collection> <id>",
	Short: "Delete a document",
	Args:  cobra.ExactArgs(2),
	RunE: func(_ *cobra.Command, args []string) error {
		return do(http.MethodDelete, "/collections/"+args[0]+"/documents/"+args[1], nil)
	},
}
