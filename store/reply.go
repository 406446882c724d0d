package store

import (
	"context"
	"database/sql"
	stderrors "errors"

	"github.com/c360/ratebridge/errors"
	"github.com/c360/ratebridge/message"
)

// LookupReply loads the cached reply keyed by the currency argument, with
// its rate rows. The second return is false when no reply is cached.
func (s *Store) LookupReply(ctx context.Context, currency string) (message.Reply, bool, error) {
	var (
		id    int64
		reply message.Reply
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, currency, base_currency, date, request_id
		   FROM response_to_kafka WHERE currency = ?`, currency,
	).Scan(&id, &reply.Currency, &reply.BaseCurrency, &reply.Date, &reply.RequestID)
	if stderrors.Is(err, sql.ErrNoRows) {
		return message.Reply{}, false, nil
	}
	if err != nil {
		return message.Reply{}, false, errors.WrapTransient(storageErr(err), "Store", "LookupReply", "query reply")
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT currency, rate FROM exchange_rates WHERE response_id = ?`, id)
	if err != nil {
		return message.Reply{}, false, errors.WrapTransient(storageErr(err), "Store", "LookupReply", "query rates")
	}
	defer rows.Close()

	reply.Rates = make(map[string]float64)
	for rows.Next() {
		var (
			code string
			rate float64
		)
		if err := rows.Scan(&code, &rate); err != nil {
			return message.Reply{}, false, errors.WrapTransient(storageErr(err), "Store", "LookupReply", "scan rate")
		}
		reply.Rates[code] = rate
	}
	if err := rows.Err(); err != nil {
		return message.Reply{}, false, errors.WrapTransient(storageErr(err), "Store", "LookupReply", "iterate rates")
	}

	return reply, true, nil
}

// UpsertReply writes the reply keyed by the currency argument, replacing
// its rate rows, in one transaction. Readers never observe a reply without
// its rates.
func (s *Store) UpsertReply(ctx context.Context, currency string, reply message.Reply) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.WrapTransient(storageErr(err), "Store", "UpsertReply", "begin transaction")
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO response_to_kafka (currency, base_currency, date, request_id)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(currency) DO UPDATE SET
			base_currency = excluded.base_currency,
			date = excluded.date,
			request_id = excluded.request_id`,
		currency, reply.BaseCurrency, reply.Date, reply.RequestID)
	if err != nil {
		return errors.WrapTransient(storageErr(err), "Store", "UpsertReply", "upsert reply row")
	}

	var id int64
	if err = tx.QueryRowContext(ctx,
		`SELECT id FROM response_to_kafka WHERE currency = ?`, currency,
	).Scan(&id); err != nil {
		return errors.WrapTransient(storageErr(err), "Store", "UpsertReply", "resolve reply id")
	}

	if _, err = tx.ExecContext(ctx,
		`DELETE FROM exchange_rates WHERE response_id = ?`, id); err != nil {
		return errors.WrapTransient(storageErr(err), "Store", "UpsertReply", "clear rates")
	}
	for code, rate := range reply.Rates {
		if _, err = tx.ExecContext(ctx,
			`INSERT INTO exchange_rates (response_id, currency, rate) VALUES (?, ?, ?)`,
			id, code, rate); err != nil {
			return errors.WrapTransient(storageErr(err), "Store", "UpsertReply", "insert rate")
		}
	}

	if err = tx.Commit(); err != nil {
		return errors.WrapTransient(storageErr(err), "Store", "UpsertReply", "commit transaction")
	}
	return nil
}
