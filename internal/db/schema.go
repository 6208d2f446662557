package db

// SchemaSQL defines the run and catalog tables. Both are schemaless: runs carry nested
// plan documents whose shape is owned by the Go models.
const SchemaSQL = `
    DEFINE TABLE IF NOT EXISTS run SCHEMALESS;
    DEFINE INDEX IF NOT EXISTS run_status ON run FIELDS status;
    DEFINE INDEX IF NOT EXISTS run_project ON run FIELDS project_id;
    DEFINE INDEX IF NOT EXISTS run_created ON run FIELDS created_at;

    DEFINE TABLE IF NOT EXISTS catalog_table SCHEMALESS;
    DEFINE INDEX IF NOT EXISTS catalog_table_run ON catalog_table FIELDS run_id;
    DEFINE INDEX IF NOT EXISTS catalog_table_name ON catalog_table FIELDS run_id, name UNIQUE;
`
