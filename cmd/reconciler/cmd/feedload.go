package cmd

import (
	"os"
	"path/filepath"
	"strings"

	"settlement-reconciliation-service/internal/feed"
	"settlement-reconciliation-service/internal/store"
	apperrors "settlement-reconciliation-service/pkg/errors"
	"settlement-reconciliation-service/pkg/logger"
)

// loadFeeds materializes the given feed files into a fresh in-memory
// store. Empty paths are skipped; the transaction file dispatches on its
// extension (.json or .csv).
func loadFeeds(transactionsPath, ordersPath, providersPath string) (*store.MemoryStore, error) {
	st := store.NewMemoryStore()
	log := logger.WithComponent("cli")

	if transactionsPath != "" {
		f, err := os.Open(transactionsPath)
		if err != nil {
			return nil, apperrors.ConfigurationError(apperrors.CodeInvalidConfig, "transactions", transactionsPath, err)
		}
		defer f.Close()

		var result *feed.LoadResult
		if strings.EqualFold(filepath.Ext(transactionsPath), ".json") {
			result, err = feed.LoadTransactionsJSON(f, st)
		} else {
			result, err = feed.LoadTransactionsCSV(f, st)
		}
		if err != nil {
			return nil, apperrors.ValidationError(apperrors.CodeMissingField, "transactions", transactionsPath, err)
		}
		log.WithFields(logger.Fields{
			"file":    transactionsPath,
			"loaded":  result.Loaded,
			"skipped": result.Skipped,
		}).Info("transaction feed loaded")
	}

	if ordersPath != "" {
		f, err := os.Open(ordersPath)
		if err != nil {
			return nil, apperrors.ConfigurationError(apperrors.CodeInvalidConfig, "orders", ordersPath, err)
		}
		defer f.Close()

		result, err := feed.LoadOrdersCSV(f, st)
		if err != nil {
			return nil, apperrors.ValidationError(apperrors.CodeMissingField, "orders", ordersPath, err)
		}
		log.WithFields(logger.Fields{
			"file":    ordersPath,
			"loaded":  result.Loaded,
			"skipped": result.Skipped,
		}).Info("order feed loaded")
	}

	if providersPath != "" {
		f, err := os.Open(providersPath)
		if err != nil {
			return nil, apperrors.ConfigurationError(apperrors.CodeInvalidConfig, "providers", providersPath, err)
		}
		defer f.Close()

		result, err := feed.LoadProvidersCSV(f, st)
		if err != nil {
			return nil, apperrors.ValidationError(apperrors.CodeMissingField, "providers", providersPath, err)
		}
		log.WithFields(logger.Fields{
			"file":    providersPath,
			"loaded":  result.Loaded,
			"skipped": result.Skipped,
		}).Info("provider feed loaded")
	}

	return st, nil
}
