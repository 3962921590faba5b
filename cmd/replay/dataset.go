package main

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/opensource-finance/heron/internal/domain"
)

// csvColumns is the header written by writeDataset. readDataset accepts the
// columns in any order and matches names case-insensitively.
var csvColumns = []string{
	"transaction_id", "timestamp", "account_id", "amount", "currency",
	"transaction_type", "merchant", "country", "device_id", "ip_address",
	"is_fraudulent",
}

// readDataset loads labelled transactions from a CSV file. Rows with
// malformed fields are kept with safe defaults and counted as warnings;
// rows with the wrong number of columns are skipped.
func readDataset(path string, limit int) ([]domain.LabeledTransaction, int, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer file.Close()
	return parseDataset(file, limit)
}

func parseDataset(r io.Reader, limit int) ([]domain.LabeledTransaction, int, error) {
	reader := csv.NewReader(r)

	header, err := reader.Read()
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read header: %w", err)
	}

	colIndex := make(map[string]int)
	for i, col := range header {
		colIndex[strings.ToLower(strings.TrimSpace(col))] = i
	}
	for _, required := range []string{"account_id", "amount", "timestamp"} {
		if _, ok := colIndex[required]; !ok {
			return nil, 0, fmt.Errorf("missing required column %q", required)
		}
	}

	field := func(record []string, name string) string {
		if i, ok := colIndex[name]; ok && i < len(record) {
			return record[i]
		}
		return ""
	}

	var (
		labeled  []domain.LabeledTransaction
		warnings int
	)
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			continue // wrong field count
		}

		fraud, _ := strconv.ParseBool(field(record, "is_fraudulent"))
		raw := domain.RawTransaction{
			ID:           field(record, "transaction_id"),
			Timestamp:    field(record, "timestamp"),
			AccountID:    field(record, "account_id"),
			Amount:       field(record, "amount"),
			Currency:     field(record, "currency"),
			Type:         field(record, "transaction_type"),
			Merchant:     field(record, "merchant"),
			Country:      field(record, "country"),
			DeviceID:     field(record, "device_id"),
			IPAddress:    field(record, "ip_address"),
			IsFraudulent: fraud,
		}
		lt, err := raw.Labeled()
		if err != nil {
			warnings++
		}
		labeled = append(labeled, lt)

		if limit > 0 && len(labeled) >= limit {
			break
		}
	}
	return labeled, warnings, nil
}

// writeDataset saves labelled transactions in the format readDataset reads.
func writeDataset(path string, labeled []domain.LabeledTransaction) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	if err := formatDataset(file, labeled); err != nil {
		return err
	}
	return file.Close()
}

func formatDataset(w io.Writer, labeled []domain.LabeledTransaction) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(csvColumns); err != nil {
		return err
	}
	for _, lt := range labeled {
		record := []string{
			lt.ID,
			lt.Timestamp.UTC().Format("2006-01-02 15:04:05"),
			lt.AccountID,
			lt.Amount.StringFixed(2),
			lt.Currency,
			lt.Type,
			lt.Merchant,
			lt.Country,
			lt.DeviceID,
			lt.IPAddress,
			strconv.FormatBool(lt.IsFraudulent),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}
