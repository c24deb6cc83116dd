// planetctl is the operator CLI for the orchestrator's admin API.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/alamin-khalid/planet-orchestrator/pkg/orchapi"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Fatal(err)
	}
}

type client struct {
	addr string
	http *http.Client
}

func (c *client) do(method, path string, body any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, strings.TrimRight(c.addr, "/")+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	var pretty bytes.Buffer
	if json.Indent(&pretty, raw, "", "  ") == nil {
		fmt.Println(pretty.String())
	} else {
		fmt.Println(string(raw))
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("%s %s: %s", method, path, resp.Status)
	}
	return nil
}

func newRootCmd() *cobra.Command {
	c := &client{http: &http.Client{Timeout: 10 * time.Second}}

	root := &cobra.Command{
		Use:   "planetctl",
		Short: "Operator CLI for the planet orchestrator",
	}
	root.PersistentFlags().StringVar(&c.addr, "addr", "http://127.0.0.1:8000", "orchestrator admin API address")

	var seasonID, roundID int
	create := &cobra.Command{
		Use:   "create <planet_id>",
		Short: "Register a planet; it becomes due immediately",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return c.do(http.MethodPost, "/planet/create", orchapi.CreatePlanetRequest{
				PlanetID: args[0],
				SeasonID: seasonID,
				RoundID:  roundID,
			})
		},
	}
	create.Flags().IntVar(&seasonID, "season", 1, "season id")
	create.Flags().IntVar(&roundID, "round", 0, "starting round id")

	remove := &cobra.Command{
		Use:   "remove <planet_id>",
		Short: "Remove a planet (refused while it is processing)",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return c.do(http.MethodDelete, "/planet/remove/"+url.PathEscape(args[0]), nil)
		},
	}

	get := &cobra.Command{
		Use:   "get <planet_id>",
		Short: "Show a planet snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return c.do(http.MethodGet, "/planet/"+url.PathEscape(args[0]), nil)
		},
	}

	queue := &cobra.Command{
		Use:   "queue",
		Short: "Show queue and fleet statistics",
		RunE: func(_ *cobra.Command, _ []string) error {
			return c.do(http.MethodGet, "/queue", nil)
		},
	}

	servers := &cobra.Command{
		Use:   "servers",
		Short: "List registered workers",
		RunE: func(_ *cobra.Command, _ []string) error {
			return c.do(http.MethodGet, "/servers", nil)
		},
	}

	server := &cobra.Command{
		Use:   "server <server_id>",
		Short: "Show one worker",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return c.do(http.MethodGet, "/server/"+url.PathEscape(args[0]), nil)
		},
	}

	forceAssign := &cobra.Command{
		Use:   "force-assign",
		Short: "Run an assignment pass immediately",
		RunE: func(_ *cobra.Command, _ []string) error {
			return c.do(http.MethodPost, "/force-assign", nil)
		},
	}

	command := &cobra.Command{
		Use:   "command <server_id> <action>",
		Short: "Send an administrative command to a connected worker",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			return c.do(http.MethodPost, "/command", orchapi.CommandRequest{
				ServerID: args[0],
				Action:   args[1],
			})
		},
	}

	var historyLimit int
	history := &cobra.Command{
		Use:   "history",
		Short: "Show recent task history",
		RunE: func(_ *cobra.Command, _ []string) error {
			return c.do(http.MethodGet, fmt.Sprintf("/history?limit=%d", historyLimit), nil)
		},
	}
	history.Flags().IntVar(&historyLimit, "limit", 50, "rows to return")

	root.AddCommand(create, remove, get, queue, servers, server, forceAssign, command, history)
	return root
}
