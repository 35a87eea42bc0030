package postgres

const schemaSQL = `
CREATE TABLE IF NOT EXISTS extraction_requests (
	id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
	district TEXT NOT NULL,
	taluka TEXT NOT NULL,
	village TEXT NOT NULL,
	mutation_no TEXT NOT NULL,
	doc_type TEXT NOT NULL DEFAULT 'FERFAR',

	status TEXT NOT NULL DEFAULT 'processing',
	pdf_url TEXT,

	payment_id TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),

	CONSTRAINT status_known CHECK (status IN ('processing', 'completed', 'failed')),
	CONSTRAINT district_nonempty CHECK (district <> ''),
	CONSTRAINT taluka_nonempty CHECK (taluka <> ''),
	CONSTRAINT village_nonempty CHECK (village <> ''),
	CONSTRAINT mutation_no_nonempty CHECK (mutation_no <> ''),
	CONSTRAINT payment_id_nonempty CHECK (payment_id <> '')
);

CREATE INDEX IF NOT EXISTS extraction_requests_status_created_idx
	ON extraction_requests (status, created_at);
`

// Applied only when payment id uniqueness is enabled; the index name doubles
// as the marker Insert uses to map unique violations to ErrPaymentReplayed.
const uniquePaymentIndexSQL = `
CREATE UNIQUE INDEX IF NOT EXISTS extraction_requests_payment_id_key
	ON extraction_requests (payment_id);
`

const uniquePaymentIndexName = "extraction_requests_payment_id_key"
