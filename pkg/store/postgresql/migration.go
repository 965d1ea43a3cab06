package postgresql

func migrations() map[int]string {
	return map[int]string{
		1: `
			CREATE TABLE idempotency_records (
				key VARCHAR(255) PRIMARY KEY,
				tenant_id VARCHAR(255) NOT NULL,
				user_id VARCHAR(255),
				operation_type VARCHAR(255) NOT NULL,
				status VARCHAR(50) NOT NULL CHECK (status IN ('pending', 'in_progress', 'completed', 'failed')),
				result JSONB,
				error TEXT,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				expires_at TIMESTAMP WITH TIME ZONE,
				native_expires_at TIMESTAMP WITH TIME ZONE
			);

			CREATE INDEX idx_idempotency_tenant ON idempotency_records(tenant_id);

			CREATE TABLE operation_records (
				id UUID PRIMARY KEY,
				tenant_id VARCHAR(255) NOT NULL,
				user_id VARCHAR(255),
				operation_type VARCHAR(255) NOT NULL,
				status VARCHAR(50) NOT NULL CHECK (status IN ('pending', 'in_progress', 'completed', 'failed')),
				idempotency_key VARCHAR(255),
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_operations_tenant_created ON operation_records(tenant_id, created_at DESC);

			CREATE TABLE sagas (
				id UUID PRIMARY KEY,
				status VARCHAR(50) NOT NULL,
				data JSONB NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_sagas_status ON sagas(status);

			CREATE TABLE saga_history (
				id BIGSERIAL PRIMARY KEY,
				saga_id UUID NOT NULL,
				entry JSONB NOT NULL,
				at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_saga_history_saga ON saga_history(saga_id, id);

			CREATE TABLE coordinator_locks (
				key VARCHAR(255) PRIMARY KEY,
				token VARCHAR(255) NOT NULL,
				expires_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE TABLE expiry_index (
				key VARCHAR(255) PRIMARY KEY,
				expires_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_expiry_index_at ON expiry_index(expires_at);
		`,
	}
}
