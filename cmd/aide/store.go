package main

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

var (
	memUser      string
	kbCategory   string
	kbTitle      string
	kbTags       []string
	searchLimitN int
)

var memoriesCmd = &cobra.Command{
	Use:   "memories [query]",
	Short: "List a user's memories, or search them",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		q := url.Values{}
		if memUser != "" {
			q.Set("user_id", memUser)
		}
		if len(args) == 1 {
			q.Set("q", args[0])
		}
		return call(cmd, http.MethodGet, withQuery("/memories", q), nil)
	},
}

var rememberCmd = &cobra.Command{
	Use:   "remember <fact>...",
	Short: "Store a memory about a user",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return call(cmd, http.MethodPost, "/memories", map[string]any{
			"user_id":  memUser,
			"content":  strings.Join(args, " "),
			"metadata": map[string]any{"source": "cli"},
		})
	},
}

var forgetCmd = &cobra.Command{
	Use:   "forget <id>",
	Short: "Delete a memory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return call(cmd, http.MethodDelete, "/memories/"+url.PathEscape(args[0]), nil)
	},
}

var knowledgeCmd = &cobra.Command{
	Use:     "knowledge [query]",
	Aliases: []string{"kb"},
	Short:   "List the knowledge base, one category of it, or search it",
	Args:    cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		q := url.Values{}
		if kbCategory != "" {
			q.Set("category", kbCategory)
		}
		if len(args) == 1 {
			q.Set("q", args[0])
		}
		if searchLimitN > 0 {
			q.Set("limit", strconv.Itoa(searchLimitN))
		}
		return call(cmd, http.MethodGet, withQuery("/knowledge", q), nil)
	},
}

var kbCategoriesCmd = &cobra.Command{
	Use:   "categories",
	Short: "List knowledge categories",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return call(cmd, http.MethodGet, "/knowledge/categories", nil)
	},
}

var kbAddCmd = &cobra.Command{
	Use:   "add <content>...",
	Short: "Add a knowledge item",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return call(cmd, http.MethodPost, "/knowledge", map[string]any{
			"category": kbCategory,
			"title":    kbTitle,
			"content":  strings.Join(args, " "),
			"tags":     kbTags,
		})
	},
}

var kbUpdateCmd = &cobra.Command{
	Use:   "update <id> <content>...",
	Short: "Replace the content of a knowledge item",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return call(cmd, http.MethodPut, "/knowledge/"+url.PathEscape(args[0]), map[string]any{
			"content": strings.Join(args[1:], " "),
		})
	},
}

var kbDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a knowledge item",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return call(cmd, http.MethodDelete, "/knowledge/"+url.PathEscape(args[0]), nil)
	},
}

func init() {
	for _, c := range []*cobra.Command{memoriesCmd, rememberCmd} {
		c.Flags().StringVarP(&memUser, "user", "u", "", "user the memories belong to")
	}

	knowledgeCmd.PersistentFlags().StringVar(&kbCategory, "category", "", "knowledge category")
	knowledgeCmd.Flags().IntVarP(&searchLimitN, "limit", "n", 0, "maximum search results")
	kbAddCmd.Flags().StringVar(&kbTitle, "title", "", "item title")
	kbAddCmd.Flags().StringSliceVar(&kbTags, "tags", nil, "comma separated tags")
	knowledgeCmd.AddCommand(kbCategoriesCmd, kbAddCmd, kbUpdateCmd, kbDeleteCmd)

	rootCmd.AddCommand(memoriesCmd, rememberCmd, forgetCmd, knowledgeCmd)
}

func withQuery(path string, q url.Values) string {
	if len(q) == 0 {
		return path
	}
	return path + "?" + q.Encode()
}
