package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sigforge/sigforge/internal/model"
)

var articlesCmd = &cobra.Command{
	Use:   "articles",
	Short: "Manage the article intake queue",
}

// -- articles add --

var articlesAddFile string

var articlesAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add an article to the intake queue",
	Long:  "Reads a JSON article ({\"url\", \"title\", \"text\", \"source\"}) from --file or stdin and stores it for processing.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		in := io.Reader(os.Stdin)
		if articlesAddFile != "" {
			f, err := os.Open(articlesAddFile)
			if err != nil {
				return eris.Wrap(err, "open article file")
			}
			defer f.Close() //nolint:errcheck
			in = f
		}

		var article model.Article
		if err := json.NewDecoder(in).Decode(&article); err != nil {
			return eris.Wrap(err, "decode article")
		}
		if article.Title == "" || article.Text == "" {
			return eris.New("article requires title and text")
		}

		if err := st.SaveArticle(ctx, &article); err != nil {
			return eris.Wrap(err, "save article")
		}

		zap.L().Info("article stored",
			zap.String("article_id", article.ID),
			zap.String("title", article.Title),
		)
		fmt.Println(article.ID)
		return nil
	},
}

// -- articles queue --

var articlesQueueCmd = &cobra.Command{
	Use:   "queue",
	Short: "List articles with no run yet",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		limit, _ := cmd.Flags().GetInt("limit")
		articles, err := st.ListUnprocessedArticles(ctx, limit)
		if err != nil {
			return eris.Wrap(err, "list unprocessed articles")
		}

		if len(articles) == 0 {
			fmt.Fprintln(os.Stderr, "No unprocessed articles.")
			return nil
		}

		formatArticles(os.Stdout, articles)
		return nil
	},
}

func formatArticles(out io.Writer, articles []model.Article) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tTITLE\tSOURCE\tCREATED")
	_, _ = fmt.Fprintln(w, "--\t-----\t------\t-------")
	for _, a := range articles {
		title := a.Title
		if len(title) > 50 {
			title = title[:47] + "..."
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			truncateID(a.ID),
			title,
			a.Source,
			a.CreatedAt.Format("2006-01-02 15:04"),
		)
	}
	_ = w.Flush()
}

func init() {
	articlesAddCmd.Flags().StringVar(&articlesAddFile, "file", "", "path to article JSON (default stdin)")
	articlesQueueCmd.Flags().Int("limit", 50, "max number of articles to display")

	articlesCmd.AddCommand(articlesAddCmd)
	articlesCmd.AddCommand(articlesQueueCmd)
	rootCmd.AddCommand(articlesCmd)
}
