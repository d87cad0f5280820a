package mysql

import "fmt"

// migration is one named schema step. Statements run in order; Down is the
// reverse used by Destroy. MySQL DDL commits implicitly, so steps are kept
// individually idempotent (IF NOT EXISTS / IF EXISTS) instead of relying on
// transactional rollback.
type migration struct {
	Name string
	Up   []string
	Down []string
}

func schemaMigrations(t tableNames) []migration {
	return []migration{
		{
			Name: "0001_create_queues",
			Up: []string{fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					id CHAR(36) NOT NULL PRIMARY KEY,
					name VARCHAR(255) NOT NULL,
					partition_key VARCHAR(255) NOT NULL DEFAULT 'default',
					max_retries INT NOT NULL DEFAULT 3,
					min_delay_ms INT NOT NULL DEFAULT 1000,
					backoff_multiplier DOUBLE NOT NULL DEFAULT 2,
					max_duration_ms INT NOT NULL DEFAULT 5000,
					paused TINYINT(1) NOT NULL DEFAULT 0,
					sequential TINYINT(1) NOT NULL DEFAULT 0,
					UNIQUE KEY uniq_queue_name_partition (name, partition_key)
				) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`, t.Queues)},
			Down: []string{fmt.Sprintf(`DROP TABLE IF EXISTS %s`, t.Queues)},
		},
		{
			Name: "0002_create_jobs",
			// pending_dedup_live emulates a partial unique index: the
			// generated column carries the dedup key only while the row is
			// live (pending/running), and MySQL unique indexes treat NULLs
			// as distinct.
			Up: []string{fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					id CHAR(36) NOT NULL PRIMARY KEY,
					queue_id CHAR(36) NOT NULL,
					name VARCHAR(255) NOT NULL,
					payload JSON NULL,
					priority INT NOT NULL DEFAULT 0,
					status ENUM('pending','running','completed','failed') NOT NULL DEFAULT 'pending',
					created_at DATETIME(3) NOT NULL DEFAULT CURRENT_TIMESTAMP(3),
					start_after DATETIME(3) NOT NULL DEFAULT CURRENT_TIMESTAMP(3),
					running_at DATETIME(3) NULL,
					completed_at DATETIME(3) NULL,
					failed_at DATETIME(3) NULL,
					attempts INT NOT NULL DEFAULT 0,
					errors JSON NOT NULL DEFAULT (JSON_ARRAY()),
					idempotent_key VARCHAR(255) NULL,
					pending_dedup_key VARCHAR(255) NULL,
					sequential_key VARCHAR(255) NULL,
					pending_dedup_live VARCHAR(255) GENERATED ALWAYS AS
						(IF(status IN ('pending','running'), pending_dedup_key, NULL)) STORED,
					UNIQUE KEY uniq_job_idempotent (queue_id, name, idempotent_key),
					UNIQUE KEY uniq_job_pending_dedup (queue_id, name, pending_dedup_live),
					KEY idx_jobs_claim (queue_id, status, start_after, created_at, priority DESC, id),
					KEY idx_jobs_sequential (queue_id, sequential_key, status),
					KEY idx_jobs_stuck (status, running_at),
					CONSTRAINT fk_%s_queue FOREIGN KEY (queue_id)
						REFERENCES %s (id) ON DELETE CASCADE
				) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`, t.Jobs, t.Jobs, t.Queues)},
			Down: []string{fmt.Sprintf(`DROP TABLE IF EXISTS %s`, t.Jobs)},
		},
		{
			Name: "0003_create_periodic_jobs",
			Up: []string{fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					name VARCHAR(255) NOT NULL PRIMARY KEY,
					definition JSON NOT NULL,
					last_run_at DATETIME(3) NULL,
					next_run_at DATETIME(3) NOT NULL,
					created_at DATETIME(3) NOT NULL DEFAULT CURRENT_TIMESTAMP(3),
					updated_at DATETIME(3) NOT NULL DEFAULT CURRENT_TIMESTAMP(3) ON UPDATE CURRENT_TIMESTAMP(3)
				) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`, t.Periodic)},
			Down: []string{fmt.Sprintf(`DROP TABLE IF EXISTS %s`, t.Periodic)},
		},
		{
			Name: "0004_create_leader_election",
			Up: []string{fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					singleton_key VARCHAR(255) NOT NULL PRIMARY KEY,
					leader_id VARCHAR(255) NOT NULL,
					elected_at DATETIME(3) NOT NULL,
					expires_at DATETIME(3) NOT NULL
				) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`, t.Leader)},
			Down: []string{fmt.Sprintf(`DROP TABLE IF EXISTS %s`, t.Leader)},
		},
		{
			Name: "0005_create_workflows",
			Up: []string{fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					id CHAR(36) NOT NULL PRIMARY KEY,
					definition_name VARCHAR(255) NOT NULL,
					current_step VARCHAR(255) NOT NULL,
					data JSON NULL,
					step_results JSON NOT NULL DEFAULT (JSON_OBJECT()),
					completed_steps JSON NOT NULL DEFAULT (JSON_ARRAY()),
					pending_steps JSON NOT NULL DEFAULT (JSON_ARRAY()),
					status ENUM('active','completed','failed') NOT NULL DEFAULT 'active',
					created_at DATETIME(3) NOT NULL DEFAULT CURRENT_TIMESTAMP(3),
					completed_at DATETIME(3) NULL,
					failed_at DATETIME(3) NULL,
					failure_reason TEXT NULL
				) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`, t.Workflows)},
			Down: []string{fmt.Sprintf(`DROP TABLE IF EXISTS %s`, t.Workflows)},
		},
	}
}
