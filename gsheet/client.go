// Copyright 2026 El Molino SRL
// SPDX-License-Identifier: Apache-2.0

// Package gsheet implements the engine's remote tabular store contract on top
// of a shared Google spreadsheet: one tab of quote headers, one tab of detail
// rows, and a key/value config tab mirroring the sync configuration.
package gsheet

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"
)

// Config locates the spreadsheet and its tabs.
type Config struct {
	SpreadsheetID string
	HeadersSheet  string // default "Presupuestos"
	DetailsSheet  string // default "Detalle"
	ConfigSheet   string // default "Config"
	Timezone      string // wall-clock zone timestamps are written in
}

func (c Config) withDefaults() Config {
	if c.HeadersSheet == "" {
		c.HeadersSheet = "Presupuestos"
	}
	if c.DetailsSheet == "" {
		c.DetailsSheet = "Detalle"
	}
	if c.ConfigSheet == "" {
		c.ConfigSheet = "Config"
	}
	if c.Timezone == "" {
		c.Timezone = "America/Argentina/Buenos_Aires"
	}
	return c
}

// Client talks to one spreadsheet. It issues a small number of bulk range
// reads/writes per sync phase rather than per-cell calls.
type Client struct {
	svc    *sheets.Service
	config Config
	loc    *time.Location
	logger *slog.Logger
}

// NewClient builds a client from an OAuth token source.
func NewClient(ctx context.Context, config Config, ts oauth2.TokenSource, logger *slog.Logger) (*Client, error) {
	svc, err := sheets.NewService(ctx, option.WithTokenSource(ts))
	if err != nil {
		return nil, fmt.Errorf("failed to create sheets service: %w", err)
	}
	return newClient(svc, config, logger)
}

// NewClientFromCredentialsFile builds a client from a service-account
// credentials file, the usual setup for the unattended sync daemon.
func NewClientFromCredentialsFile(ctx context.Context, config Config, credentialsFile string, logger *slog.Logger) (*Client, error) {
	svc, err := sheets.NewService(ctx,
		option.WithCredentialsFile(credentialsFile),
		option.WithScopes(sheets.SpreadsheetsScope))
	if err != nil {
		return nil, fmt.Errorf("failed to create sheets service: %w", err)
	}
	return newClient(svc, config, logger)
}

func newClient(svc *sheets.Service, config Config, logger *slog.Logger) (*Client, error) {
	config = config.withDefaults()
	if config.SpreadsheetID == "" {
		return nil, fmt.Errorf("spreadsheet id is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	loc, err := time.LoadLocation(config.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", config.Timezone, err)
	}
	return &Client{svc: svc, config: config, loc: loc, logger: logger}, nil
}

// readRange fetches a range with unformatted values, so date cells arrive as
// serial numbers instead of locale-rendered strings when the sheet stores
// them as dates.
func (c *Client) readRange(ctx context.Context, rng string) ([][]any, error) {
	resp, err := c.svc.Spreadsheets.Values.Get(c.config.SpreadsheetID, rng).
		ValueRenderOption("UNFORMATTED_VALUE").
		DateTimeRenderOption("SERIAL_NUMBER").
		Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("read range %s: %w", rng, err)
	}
	return resp.Values, nil
}

func (c *Client) updateRange(ctx context.Context, rng string, values [][]any) error {
	_, err := c.svc.Spreadsheets.Values.Update(c.config.SpreadsheetID, rng,
		&sheets.ValueRange{Values: values}).
		ValueInputOption("RAW").
		Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("update range %s: %w", rng, err)
	}
	return nil
}

// rangeUpdate is one target range of a batched value update.
type rangeUpdate struct {
	rng    string
	values [][]any
}

// batchUpdateRanges writes every range in one API call.
func (c *Client) batchUpdateRanges(ctx context.Context, updates []rangeUpdate) error {
	data := make([]*sheets.ValueRange, 0, len(updates))
	for _, u := range updates {
		data = append(data, &sheets.ValueRange{Range: u.rng, Values: u.values})
	}
	_, err := c.svc.Spreadsheets.Values.BatchUpdate(c.config.SpreadsheetID,
		&sheets.BatchUpdateValuesRequest{
			ValueInputOption: "RAW",
			Data:             data,
		}).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("batch update %d ranges: %w", len(updates), err)
	}
	return nil
}

func (c *Client) appendRows(ctx context.Context, rng string, values [][]any) error {
	_, err := c.svc.Spreadsheets.Values.Append(c.config.SpreadsheetID, rng,
		&sheets.ValueRange{Values: values}).
		ValueInputOption("RAW").
		InsertDataOption("INSERT_ROWS").
		Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("append to %s: %w", rng, err)
	}
	return nil
}

func (c *Client) clearRange(ctx context.Context, rng string) error {
	_, err := c.svc.Spreadsheets.Values.Clear(c.config.SpreadsheetID, rng,
		&sheets.ClearValuesRequest{}).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("clear range %s: %w", rng, err)
	}
	return nil
}

// ReadConfig returns the key/value pairs of the config tab, the spreadsheet's
// mirror of the sync configuration record.
func (c *Client) ReadConfig(ctx context.Context) (map[string]string, error) {
	rows, err := c.readRange(ctx, c.config.ConfigSheet+"!A2:B")
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(rows))
	for _, row := range rows {
		key := cellString(row, 0)
		if key == "" {
			continue
		}
		out[key] = cellString(row, 1)
	}
	return out, nil
}

// WriteConfig updates or appends one key on the config tab.
func (c *Client) WriteConfig(ctx context.Context, key, value string) error {
	rows, err := c.readRange(ctx, c.config.ConfigSheet+"!A2:B")
	if err != nil {
		return err
	}
	for i, row := range rows {
		if cellString(row, 0) == key {
			rng := fmt.Sprintf("%s!A%d:B%d", c.config.ConfigSheet, i+2, i+2)
			return c.updateRange(ctx, rng, [][]any{{key, value}})
		}
	}
	return c.appendRows(ctx, c.config.ConfigSheet+"!A:B", [][]any{{key, value}})
}
