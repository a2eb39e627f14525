package sqlinline

const QUpsertUser = `--sql 54750337-c54c-41cf-956e-abb48203086c
insert into users (username, password_hash)
values ($1, $2)
on conflict (username) do update set password_hash = excluded.password_hash;
`

const QSelectUserPasswordHash = `--sql 31cd8fce-c3e4-4783-9d19-e7c42bd55c3c
select coalesce(password_hash, '')
from users
where username = $1
limit 1;
`
