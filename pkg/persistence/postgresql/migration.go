package postgresql

func migrations() map[int]string {
	return map[int]string{
		1: `
			-- Triggers, executions and the event audit
			CREATE TABLE triggers (
				id TEXT PRIMARY KEY,
				user_id TEXT NOT NULL,
				status VARCHAR(20) NOT NULL,
				event_source TEXT NOT NULL,
				event_type TEXT NOT NULL DEFAULT '',
				priority INTEGER NOT NULL DEFAULT 0,
				execution_count BIGINT NOT NULL DEFAULT 0,
				success_count BIGINT NOT NULL DEFAULT 0,
				failure_count BIGINT NOT NULL DEFAULT 0,
				last_executed_at TIMESTAMP WITH TIME ZONE,
				document JSONB NOT NULL,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_triggers_match ON triggers(user_id, status, event_source);

			CREATE TABLE trigger_executions (
				id TEXT PRIMARY KEY,
				trigger_id TEXT NOT NULL,
				status VARCHAR(20) NOT NULL,
				document JSONB NOT NULL,
				started_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_trigger_executions_trigger ON trigger_executions(trigger_id, started_at DESC);

			CREATE TABLE events (
				id TEXT PRIMARY KEY,
				user_id TEXT NOT NULL,
				document JSONB NOT NULL,
				received_at TIMESTAMP WITH TIME ZONE NOT NULL
			);
		`,
		2: `
			-- Flow definitions, published snapshots and instances
			CREATE TABLE flows (
				id TEXT PRIMARY KEY,
				user_id TEXT NOT NULL,
				status VARCHAR(20) NOT NULL,
				total_instances BIGINT NOT NULL DEFAULT 0,
				active_instances BIGINT NOT NULL DEFAULT 0,
				completed_instances BIGINT NOT NULL DEFAULT 0,
				failed_instances BIGINT NOT NULL DEFAULT 0,
				document JSONB NOT NULL,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_flows_user ON flows(user_id);

			CREATE TABLE flow_versions (
				flow_id TEXT NOT NULL,
				version INTEGER NOT NULL,
				document JSONB NOT NULL,
				PRIMARY KEY (flow_id, version)
			);

			CREATE TABLE flow_instances (
				id TEXT PRIMARY KEY,
				flow_id TEXT NOT NULL,
				contact_id TEXT NOT NULL DEFAULT '',
				status VARCHAR(20) NOT NULL,
				waiting_for VARCHAR(20) NOT NULL DEFAULT '',
				waiting_until TIMESTAMP WITH TIME ZONE,
				document JSONB NOT NULL,
				started_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_flow_instances_flow ON flow_instances(flow_id);
			CREATE INDEX idx_flow_instances_due ON flow_instances(status, waiting_until);
			CREATE INDEX idx_flow_instances_contact ON flow_instances(contact_id, status);
		`,
		3: `
			-- Drip campaigns and runs
			CREATE TABLE campaigns (
				id TEXT PRIMARY KEY,
				user_id TEXT NOT NULL,
				status VARCHAR(20) NOT NULL,
				metrics JSONB NOT NULL DEFAULT '{}',
				document JSONB NOT NULL,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_campaigns_user ON campaigns(user_id);

			CREATE TABLE drip_runs (
				id TEXT PRIMARY KEY,
				campaign_id TEXT NOT NULL,
				contact_id TEXT NOT NULL,
				status VARCHAR(20) NOT NULL,
				next_step_scheduled_at TIMESTAMP WITH TIME ZONE,
				document JSONB NOT NULL,
				enrolled_at TIMESTAMP WITH TIME ZONE NOT NULL,
				UNIQUE (campaign_id, contact_id)
			);

			CREATE INDEX idx_drip_runs_due ON drip_runs(status, next_step_scheduled_at);
			CREATE INDEX idx_drip_runs_contact ON drip_runs(contact_id);
		`,
		4: `
			-- Write revisions for compare-and-swap updates
			ALTER TABLE flow_instances ADD COLUMN revision BIGINT NOT NULL DEFAULT 0;
			ALTER TABLE drip_runs ADD COLUMN revision BIGINT NOT NULL DEFAULT 0;
		`,
	}
}
