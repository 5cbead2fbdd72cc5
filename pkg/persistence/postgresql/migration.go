package postgresql

func migrations() map[int]string {
	return map[int]string{
		1: `
			-- Onboarding instances: aggregate root with optimistic-lock version
			CREATE TABLE instances (
				id UUID PRIMARY KEY,
				user_id VARCHAR(255) NOT NULL,
				flow_version VARCHAR(50) NOT NULL,
				current_state VARCHAR(255) NOT NULL,
				status VARCHAR(50) NOT NULL,
				version BIGINT NOT NULL DEFAULT 1,
				correlation_id VARCHAR(255),
				state_started_at TIMESTAMP WITH TIME ZONE NOT NULL,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_instances_status ON instances(status);
			CREATE INDEX idx_instances_user_id ON instances(user_id);
			CREATE INDEX idx_instances_status_state ON instances(status, current_state);
			CREATE INDEX idx_instances_state_started_at ON instances(state_started_at);

			-- Append-only per-instance event log. The unique constraint on
			-- (instance_id, sequence_number) is what makes sequence
			-- allocation gapless under concurrent writers.
			CREATE TABLE workflow_events (
				instance_id UUID NOT NULL REFERENCES instances(id),
				sequence_number BIGINT NOT NULL,
				event_type VARCHAR(50) NOT NULL,
				event_name VARCHAR(255) NOT NULL,
				payload JSONB,
				created_by VARCHAR(255) NOT NULL,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				PRIMARY KEY (instance_id, sequence_number)
			);

			CREATE INDEX idx_workflow_events_type ON workflow_events(instance_id, event_type);
			CREATE INDEX idx_workflow_events_request_id ON workflow_events((payload->>'request_id'))
				WHERE event_type = 'ACTION_RECEIVED';

			-- Step executions: abandoned-work detection only
			CREATE TABLE step_executions (
				instance_id UUID NOT NULL REFERENCES instances(id),
				state VARCHAR(255) NOT NULL,
				status VARCHAR(50) NOT NULL,
				last_error TEXT,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL,
				PRIMARY KEY (instance_id, state)
			);

			CREATE INDEX idx_step_executions_status ON step_executions(status, updated_at);

			-- Externally configured transition table, one row per
			-- (flow_version, from_state, action)
			CREATE TABLE flow_transitions (
				flow_version VARCHAR(50) NOT NULL,
				from_state VARCHAR(255) NOT NULL,
				action VARCHAR(255) NOT NULL,
				to_state VARCHAR(255) NOT NULL,
				allowed_actors JSONB NOT NULL,
				is_async BOOLEAN NOT NULL DEFAULT FALSE,
				compensation_action VARCHAR(255),
				sets_status VARCHAR(50),
				PRIMARY KEY (flow_version, from_state, action)
			);

			-- Automatic follow-up actions fired on entering a state
			CREATE TABLE flow_auto_actions (
				flow_version VARCHAR(50) NOT NULL,
				state VARCHAR(255) NOT NULL,
				action VARCHAR(255) NOT NULL,
				PRIMARY KEY (flow_version, state)
			);

			-- Incidents: durable records of unrecoverable activity failures
			CREATE TABLE incidents (
				id UUID PRIMARY KEY,
				instance_id UUID NOT NULL REFERENCES instances(id),
				state VARCHAR(255) NOT NULL,
				action VARCHAR(255) NOT NULL,
				reason TEXT NOT NULL,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_incidents_instance_id ON incidents(instance_id);
		`,
	}
}
