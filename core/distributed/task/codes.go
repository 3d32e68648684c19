package task

import "fmt"

// Code is the stable wire identifier of a remote task kind.
type Code int

const (
	CodeCreateRecord Code = iota
	CodeReadRecord
	CodeReadRecordIfNotLatest
	CodeUpdateRecord
	CodeDeleteRecord
	CodeSQLCommand
	CodeScript
	CodeTx
	CodeCompleted2pc
	CodeStopServer
	CodeRestartServer
	CodeResurrectRecord
	CodeSyncCluster
	CodeSyncDatabaseDelta
	CodeSyncDatabase
	CodeCopyDatabaseChunk
	CodeGossip
	CodeRepairRecords
	CodeRepairCluster
	CodeClusterRepairInfo
	CodeFixCreateRecord
	CodeFixUpdateRecord
	CodeStartReplication
	CodeDropDatabase
	CodeUpdateDatabaseConfiguration
	CodeUpdateDatabaseStatus
	CodeDistributedLock
	CodeRequestDatabaseConfiguration
	CodeUnreachableServer // local only, never accepted from a peer
	CodeEnterpriseStats
)

var codeNames = map[Code]string{
	CodeCreateRecord:                 "create_record",
	CodeReadRecord:                   "read_record",
	CodeReadRecordIfNotLatest:        "read_record_if_not_latest",
	CodeUpdateRecord:                 "update_record",
	CodeDeleteRecord:                 "delete_record",
	CodeSQLCommand:                   "sql_command",
	CodeScript:                       "script",
	CodeTx:                           "tx",
	CodeCompleted2pc:                 "completed_2pc",
	CodeStopServer:                   "stop_server",
	CodeRestartServer:                "restart_server",
	CodeResurrectRecord:              "resurrect_record",
	CodeSyncCluster:                  "sync_cluster",
	CodeSyncDatabaseDelta:            "sync_database_delta",
	CodeSyncDatabase:                 "sync_database",
	CodeCopyDatabaseChunk:            "copy_database_chunk",
	CodeGossip:                       "gossip",
	CodeRepairRecords:                "repair_records",
	CodeRepairCluster:                "repair_cluster",
	CodeClusterRepairInfo:            "cluster_repair_info",
	CodeFixCreateRecord:              "fix_create_record",
	CodeFixUpdateRecord:              "fix_update_record",
	CodeStartReplication:             "start_replication",
	CodeDropDatabase:                 "drop_database",
	CodeUpdateDatabaseConfiguration:  "update_database_configuration",
	CodeUpdateDatabaseStatus:         "update_database_status",
	CodeDistributedLock:              "distributed_lock",
	CodeRequestDatabaseConfiguration: "request_database_configuration",
	CodeUnreachableServer:            "unreachable_server",
	CodeEnterpriseStats:              "enterprise_stats",
}

func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("code(%d)", int(c))
}
