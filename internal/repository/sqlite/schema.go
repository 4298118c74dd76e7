package sqlite

// schema mirrors the PostgreSQL migrations for the SQLite dialect.
const schema = `
CREATE TABLE IF NOT EXISTS users (
    id TEXT PRIMARY KEY,
    created_at DATETIME NOT NULL,
    updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS teams (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL CHECK (length(name) BETWEEN 1 AND 255),
    type TEXT NOT NULL DEFAULT 'organization' CHECK (type IN ('personal', 'organization')),
    avatar_url TEXT,
    personal_owner_id TEXT UNIQUE REFERENCES users (id),
    created_at DATETIME NOT NULL,
    updated_at DATETIME NOT NULL,
    CHECK ((type = 'personal') = (personal_owner_id IS NOT NULL))
);

CREATE TABLE IF NOT EXISTS team_members (
    user_id TEXT NOT NULL REFERENCES users (id),
    team_id TEXT NOT NULL REFERENCES teams (id) ON DELETE CASCADE,
    role TEXT NOT NULL DEFAULT 'member' CHECK (role IN ('owner', 'admin', 'member')),
    created_at DATETIME NOT NULL,
    updated_at DATETIME NOT NULL,
    PRIMARY KEY (user_id, team_id)
);

CREATE INDEX IF NOT EXISTS team_members_team_id_idx ON team_members (team_id);

CREATE UNIQUE INDEX IF NOT EXISTS team_members_single_owner_idx ON team_members (team_id) WHERE role = 'owner';
`
