package database

// schema creates the catalog tables written by the ingestion pipeline.
// Every statement is idempotent so Migrate can run on each start.
const schema = `
CREATE TABLE IF NOT EXISTS topics (
    topic_id   BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
    topic_name TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS subtopics (
    subtopic_id   BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
    topic_id      BIGINT NOT NULL REFERENCES topics(topic_id),
    subtopic_name TEXT NOT NULL,
    UNIQUE (topic_id, subtopic_name)
);

-- One row per subtopic and difficulty; re-ingestion replaces the row.
CREATE TABLE IF NOT EXISTS content (
    subtopic_id  BIGINT NOT NULL REFERENCES subtopics(subtopic_id),
    difficulty   TEXT NOT NULL CHECK (difficulty IN ('basic', 'core', 'advanced')),
    title        TEXT,
    summary      TEXT,
    content_json JSONB NOT NULL,
    content_hash TEXT NOT NULL,
    is_published BOOLEAN NOT NULL DEFAULT TRUE,
    UNIQUE (subtopic_id, difficulty)
);

-- Questions are identified by the fingerprint of their payload, not by position.
CREATE TABLE IF NOT EXISTS questions (
    subtopic_id   BIGINT NOT NULL REFERENCES subtopics(subtopic_id),
    difficulty    TEXT NOT NULL CHECK (difficulty IN ('basic', 'core', 'mastery')),
    question_type TEXT NOT NULL,
    content_json  JSONB NOT NULL,
    question_hash TEXT NOT NULL,
    is_published  BOOLEAN NOT NULL DEFAULT TRUE,
    UNIQUE (question_hash)
);

CREATE TABLE IF NOT EXISTS ingest_events (
    id            BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
    flow          TEXT NOT NULL,
    topic_name    TEXT NOT NULL,
    subtopic_name TEXT,
    event_type    TEXT NOT NULL,
    data          JSONB NOT NULL DEFAULT '{}'::jsonb,
    created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`
