package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/turbolytics/mapfiles/internal/config"
	"github.com/turbolytics/mapfiles/internal/mapfile"
	"github.com/turbolytics/mapfiles/internal/parquet"
	"github.com/turbolytics/mapfiles/internal/projection"
	"github.com/turbolytics/mapfiles/internal/server"
)

func newDataFileCommand(g *globals) *cobra.Command {
	var cmd = &cobra.Command{
		Use:   "datafile",
		Short: "Manages data files",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	cmd.AddCommand(newDataFileAddCommand(g))
	cmd.AddCommand(newDataFileProcessCommand(g))
	cmd.AddCommand(newDataFileExportCommand(g))
	return cmd
}

// withApp loads the config, initializes the app and hands it to fn.
func withApp(ctx context.Context, g *globals, name string, fn func(*config.App, *zap.Logger) error) error {
	c, logger, err := g.load()
	if err != nil {
		return err
	}
	defer logger.Sync()
	l := logger.Named(name)

	app, err := config.Initialize(ctx, c, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := app.Close(context.Background()); err != nil {
			l.Error("closing app", zap.Error(err))
		}
	}()
	return fn(app, l)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newDataFileAddCommand(g *globals) *cobra.Command {
	var (
		name        string
		fileType    string
		filePath    string
		encoding    string
		description string
		fileSource  string
		zoom        int
	)

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Uploads a data file and processes it",
		RunE: func(cmd *cobra.Command, args []string) error {
			ft, err := mapfile.ParseFileType(fileType)
			if err != nil {
				return err
			}
			enc, err := mapfile.ParseEncoding(encoding)
			if err != nil {
				return err
			}
			var defaultZoom *int
			if cmd.Flags().Changed("zoom") {
				if err := mapfile.ValidateZoom(zoom); err != nil {
					return err
				}
				defaultZoom = &zoom
			}

			f, err := os.Open(filePath)
			if err != nil {
				return err
			}
			defer f.Close()
			info, err := f.Stat()
			if err != nil {
				return err
			}
			if err := mapfile.ValidateSize(info.Size()); err != nil {
				return err
			}

			return withApp(cmd.Context(), g, "mapfiles.datafile.add", func(app *config.App, l *zap.Logger) error {
				key := server.UploadKey(time.Now(), filePath)
				if err := app.Repository.Write(cmd.Context(), key, f); err != nil {
					return err
				}
				l.Info("uploaded",
					zap.String("key", key),
					zap.String("size", humanize.IBytes(uint64(info.Size()))),
				)

				df := &mapfile.DataFile{
					Name:        name,
					FileType:    ft,
					StoredFile:  key,
					Encoding:    enc,
					Description: description,
					FileSource:  fileSource,
					DefaultZoom: defaultZoom,
				}
				if err := app.Store.CreateDataFile(cmd.Context(), df); err != nil {
					return err
				}
				return processAndPrint(cmd, app, df.ID)
			})
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "Display name of the data file")
	cmd.Flags().StringVarP(&fileType, "type", "t", "", "File type, ie: counties, tracts, kml")
	cmd.Flags().StringVarP(&filePath, "file", "f", "", "Path of the file to upload")
	cmd.Flags().StringVar(&encoding, "encoding", "", "Character encoding: ascii, latin1 or utf8")
	cmd.Flags().StringVar(&description, "description", "", "Description of the data file")
	cmd.Flags().StringVar(&fileSource, "source", "", "Where the file came from")
	cmd.Flags().IntVar(&zoom, "zoom", mapfile.DefaultZoom, "Default map zoom level")
	cmd.MarkFlagRequired("name")
	cmd.MarkFlagRequired("type")
	cmd.MarkFlagRequired("file")
	return cmd
}

// processAndPrint processes the data file and prints its final row. The data
// file is printed even when processing failed.
func processAndPrint(cmd *cobra.Command, app *config.App, id int64) error {
	perr := app.Processor.Process(cmd.Context(), id)

	df, err := app.Store.GetDataFile(context.WithoutCancel(cmd.Context()), id)
	if err != nil {
		return err
	}
	if err := printJSON(cmd.OutOrStdout(), df); err != nil {
		return err
	}
	if perr != nil {
		return fmt.Errorf("processing datafile %d: %w", id, perr)
	}
	return nil
}

func newDataFileProcessCommand(g *globals) *cobra.Command {
	var id int64

	cmd := &cobra.Command{
		Use:   "process",
		Short: "Processes a stored data file again",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), g, "mapfiles.datafile.process", func(app *config.App, l *zap.Logger) error {
				return processAndPrint(cmd, app, id)
			})
		},
	}

	cmd.Flags().Int64Var(&id, "id", 0, "Data file id")
	cmd.MarkFlagRequired("id")
	return cmd
}

func newDataFileExportCommand(g *globals) *cobra.Command {
	var (
		id     int64
		fields []string
		key    string
	)

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Exports the attribute table of a data file as parquet",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), g, "mapfiles.datafile.export", func(app *config.App, l *zap.Logger) error {
				ctx := cmd.Context()
				df, err := app.Store.GetDataFile(ctx, id)
				if err != nil {
					return err
				}

				if len(fields) == 0 {
					if fields, err = app.Store.FieldNames(ctx, id); err != nil {
						return err
					}
				}
				records, err := app.Store.AttributeRecords(ctx, id)
				if err != nil {
					return err
				}
				projected, err := projection.Project(records, fields)
				if err != nil {
					return err
				}

				if key == "" {
					key = strings.TrimSuffix(df.StoredFile, df.Extension()) + ".parquet"
				}
				n, err := app.Exporter.Export(ctx, key, parquet.StringSchema(fields), projected)
				if err != nil {
					return err
				}

				l.Info("exported", zap.Int64("datafile_id", id), zap.String("key", key), zap.Int("rows", n))
				return printJSON(cmd.OutOrStdout(), map[string]any{
					"datafile": id,
					"key":      key,
					"rows":     n,
				})
			})
		},
	}

	cmd.Flags().Int64Var(&id, "id", 0, "Data file id")
	cmd.Flags().StringSliceVar(&fields, "fields", nil, "Fields to export, defaults to every field")
	cmd.Flags().StringVar(&key, "key", "", "Repository key of the parquet file, defaults to the stored file with a .parquet extension")
	cmd.MarkFlagRequired("id")
	return cmd
}
