package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/MaxWANGCAI/kbchat/internal/config"
	apperrors "github.com/MaxWANGCAI/kbchat/internal/errors"
	"github.com/MaxWANGCAI/kbchat/internal/store"
)

// importBatchSize is how many documents are embedded and indexed per round.
const importBatchSize = 25

// importDoc is one document in the import file.
type importDoc struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Content string `json:"content"`
}

// newImportCmd creates the import command.
func newImportCmd() *cobra.Command {
	var scope string

	cmd := &cobra.Command{
		Use:   "import [file]",
		Short: "Import documents into a knowledge scope",
		Long: `Import documents from a JSON or JSONL file into a knowledge scope.
The file holds either an array of objects or one object per line, each
with "title" and "content" fields; documents without an "id" get a
generated one. Each batch is embedded and indexed before the next, so a
failure leaves earlier batches intact.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if scope == "" {
				return apperrors.InvalidArgument("--scope is required")
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return runImport(cmd.Context(), cfg, scope, args[0])
		},
	}

	cmd.Flags().StringVarP(&scope, "scope", "s", "", "Knowledge scope to import into")
	return cmd
}

// parseImportFile accepts a JSON array or JSONL (one object per line).
func parseImportFile(data []byte) ([]importDoc, error) {
	var docs []importDoc
	if err := json.Unmarshal(data, &docs); err == nil {
		return docs, nil
	}

	for i, line := range bytes.Split(data, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var doc importDoc
		if err := json.Unmarshal(line, &doc); err != nil {
			return nil, apperrors.InvalidArgument(
				fmt.Sprintf("failed to parse import file at line %d: %v", i+1, err))
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

func runImport(ctx context.Context, cfg *config.Config, scope, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return apperrors.InvalidArgument("failed to read import file: " + err.Error())
	}

	docs, err := parseImportFile(data)
	if err != nil {
		return err
	}
	if len(docs) == 0 {
		return apperrors.InvalidArgument("import file contains no documents")
	}

	b, err := buildBackends(cfg)
	if err != nil {
		return err
	}
	defer b.close()

	start := time.Now()
	imported := 0
	for batchStart := 0; batchStart < len(docs); batchStart += importBatchSize {
		end := batchStart + importBatchSize
		if end > len(docs) {
			end = len(docs)
		}
		batch := docs[batchStart:end]

		if err := importBatch(ctx, b, scope, batch); err != nil {
			return fmt.Errorf("import failed after %d of %d documents: %w",
				imported, len(docs), err)
		}
		imported += len(batch)
		slog.Info("batch imported",
			slog.String("scope", scope),
			slog.Int("imported", imported),
			slog.Int("total", len(docs)))
	}

	slog.Info("import complete",
		slog.String("scope", scope),
		slog.Int("documents", imported),
		slog.Duration("duration", time.Since(start)))
	return nil
}

// importBatch embeds one batch of documents and indexes them.
func importBatch(ctx context.Context, b *backends, scope string, batch []importDoc) error {
	texts := make([]string, len(batch))
	for i, d := range batch {
		if d.Content == "" {
			return apperrors.InvalidArgument(fmt.Sprintf("document %q has no content", d.ID))
		}
		texts[i] = d.Content
	}

	vectors, err := b.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return err
	}
	if len(vectors) != len(batch) {
		return apperrors.InternalError(
			fmt.Sprintf("embedded %d vectors for %d documents", len(vectors), len(batch)), nil)
	}

	indexDocs := make([]store.IndexDocument, len(batch))
	for i, d := range batch {
		id := d.ID
		if id == "" {
			id = uuid.NewString()
		}
		indexDocs[i] = store.IndexDocument{
			Document: store.Document{ID: id, Title: d.Title, Content: d.Content},
			Vector:   vectors[i],
		}
	}
	return b.store.Index(ctx, scope, indexDocs)
}
