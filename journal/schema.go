package journal

const Schema = `
CREATE TABLE IF NOT EXISTS trades (
	run_id TEXT NOT NULL,
	trade_id TEXT NOT NULL,
	instrument TEXT NOT NULL,
	units REAL NOT NULL,
	entry_price REAL NOT NULL,
	exit_price REAL NOT NULL,
	open_time DATETIME NOT NULL,
	close_time DATETIME NOT NULL,
	realized_pl REAL NOT NULL,
	reason TEXT NOT NULL,
	PRIMARY KEY (run_id, trade_id)
);

CREATE INDEX IF NOT EXISTS idx_trades_close ON trades(close_time);

CREATE TABLE IF NOT EXISTS equity (
	account_id TEXT NOT NULL,
	time DATETIME NOT NULL,
	balance REAL NOT NULL,
	equity REAL NOT NULL,
	open_value REAL NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_equity_account_time ON equity(account_id, time);

CREATE TABLE IF NOT EXISTS events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	strategy_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	instrument TEXT NOT NULL DEFAULT '',
	time DATETIME NOT NULL,
	payload TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_events_strategy ON events(strategy_id, kind);

CREATE TABLE IF NOT EXISTS optimisation_tasks (
	id TEXT PRIMARY KEY,
	state TEXT NOT NULL,
	config TEXT NOT NULL,
	progress TEXT NOT NULL,
	summary TEXT,
	error TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	started_at DATETIME,
	finished_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_tasks_state ON optimisation_tasks(state, created_at);

CREATE TABLE IF NOT EXISTS optimisation_results (
	id TEXT PRIMARY KEY,
	task_id TEXT NOT NULL REFERENCES optimisation_tasks(id),
	parameters TEXT NOT NULL,
	result TEXT NOT NULL,
	net_profit REAL NOT NULL,
	error TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_results_task ON optimisation_results(task_id);
`
