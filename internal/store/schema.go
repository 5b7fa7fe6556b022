package store

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	status TEXT NOT NULL,
	started_at TEXT NOT NULL,
	completed_at TEXT,
	params TEXT NOT NULL,
	total_symbols INTEGER NOT NULL,
	completed_symbols INTEGER NOT NULL DEFAULT 0,
	failed_symbols INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS predictions (
	id TEXT PRIMARY KEY,
	job_id TEXT NOT NULL,
	symbol TEXT NOT NULL,
	scan_time TEXT NOT NULL,
	horizon INTEGER NOT NULL,

	prob_up REAL NOT NULL,
	prob_down REAL NOT NULL,
	mean_return REAL NOT NULL,
	edge REAL NOT NULL,
	direction TEXT NOT NULL,
	n_neighbors INTEGER NOT NULL,
	dist1 REAL,
	p10 REAL,
	p90 REAL,
	price_at_scan REAL NOT NULL,

	price_at_horizon REAL,
	actual_return REAL,
	was_correct INTEGER,
	pnl REAL,
	verified_at TEXT,

	created_at TEXT NOT NULL DEFAULT (datetime('now')),

	FOREIGN KEY (job_id) REFERENCES jobs(id)
);

CREATE TABLE IF NOT EXISTS failures (
	id TEXT PRIMARY KEY,
	job_id TEXT NOT NULL,
	symbol TEXT NOT NULL,
	scan_time TEXT NOT NULL,
	error_code TEXT NOT NULL,
	reason TEXT NOT NULL,
	bars_since_open INTEGER,
	bars_until_close INTEGER,
	created_at TEXT NOT NULL DEFAULT (datetime('now')),

	FOREIGN KEY (job_id) REFERENCES jobs(id)
);

CREATE INDEX IF NOT EXISTS idx_predictions_job ON predictions(job_id);
CREATE INDEX IF NOT EXISTS idx_predictions_symbol ON predictions(symbol);
CREATE INDEX IF NOT EXISTS idx_predictions_scan_time ON predictions(scan_time);
CREATE INDEX IF NOT EXISTS idx_predictions_pending ON predictions(scan_time) WHERE verified_at IS NULL;
CREATE INDEX IF NOT EXISTS idx_failures_job ON failures(job_id);
`
