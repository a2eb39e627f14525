package sqlinline

// QCreateSchema is applied at startup and is safe to run repeatedly.
const QCreateSchema = `--sql af2ee9f5-3989-4310-9f14-549417f37690
create table if not exists users (
    username text primary key,
    password_hash text,
    created_at timestamptz not null default now()
);

create table if not exists prediction_sessions (
    uid uuid primary key,
    created_at timestamptz not null default now(),
    original_image text not null,
    predicted_image text not null,
    username text references users (username)
);

create index if not exists prediction_sessions_created_at_idx
    on prediction_sessions (created_at);

create table if not exists detection_objects (
    id bigserial primary key,
    prediction_uid uuid not null references prediction_sessions (uid) on delete cascade,
    label text not null,
    score double precision not null,
    box double precision[] not null
);

create index if not exists detection_objects_prediction_uid_idx
    on detection_objects (prediction_uid);
create index if not exists detection_objects_label_idx
    on detection_objects (label);
`
