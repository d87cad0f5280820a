package mysql

// tableNames resolves the physical table names for a prefix once, so query
// templates stay readable.
type tableNames struct {
	Queues     string
	Jobs       string
	Migrations string
	Periodic   string
	Leader     string
	Workflows  string
}

func newTableNames(prefix string) tableNames {
	return tableNames{
		Queues:     prefix + "queues",
		Jobs:       prefix + "jobs",
		Migrations: prefix + "migrations",
		Periodic:   prefix + "periodic_jobs",
		Leader:     prefix + "leader_election",
		Workflows:  prefix + "workflows",
	}
}
