package sqlinline

const QEnsureUser = `--sql b3e688ee-416d-47fe-9d80-ebe4481c2729
insert into users (username)
values ($1)
on conflict (username) do nothing;
`

const QInsertPredictionSession = `--sql 64372a84-6d7a-47a8-b4a3-69c3a49efc78
insert into prediction_sessions (uid, created_at, original_image, predicted_image, username)
values ($1::uuid, $2, $3, $4, $5);
`

const QInsertDetectionObject = `--sql 4324c1e1-fe64-4946-b9cb-f47714a6b3b3
insert into detection_objects (prediction_uid, label, score, box)
values ($1::uuid, $2, $3, $4);
`

const QSelectPredictionByUID = `--sql 45c5a210-51c9-474d-8206-1068c0b01664
select uid::text, created_at, original_image, predicted_image, coalesce(username, '')
from prediction_sessions
where uid = $1::uuid
limit 1;
`

const QSelectDetectionsByUID = `--sql 11067211-13a3-420c-a5ab-6975a68bb80e
select prediction_uid::text, label, score, box
from detection_objects
where prediction_uid = $1::uuid
order by id asc;
`

// QDeletePredictionByUID removes the session; detections follow through the cascade.
const QDeletePredictionByUID = `--sql 52200a57-487b-4121-aa8b-4d6245e59086
delete from prediction_sessions
where uid = $1::uuid;
`

const QSelectPredictionsByLabel = `--sql 4e3d74c9-c3d0-4f52-bde4-e656fff043ab
select distinct s.uid::text, s.created_at
from prediction_sessions s
join detection_objects d on d.prediction_uid = s.uid
where d.label = $1
order by s.created_at desc;
`

const QSelectPredictionsByMinScore = `--sql 4a6b59c1-d457-4177-9731-7d35dcf4aafc
select distinct s.uid::text, s.created_at
from prediction_sessions s
join detection_objects d on d.prediction_uid = s.uid
where d.score >= $1
order by s.created_at desc;
`

const QCountPredictionsSince = `--sql 02041334-db00-4143-ac3a-9ac68bbe4a0a
select count(*)
from prediction_sessions
where created_at >= $1;
`

const QSelectLabelsSince = `--sql 81848ee6-f085-4375-ab56-7e11a5ebc81a
select distinct d.label
from detection_objects d
join prediction_sessions s on s.uid = d.prediction_uid
where s.created_at >= $1
order by d.label asc;
`

const QStatsSince = `--sql 6c63f814-8b69-418c-9e8f-9435d28f9003
select
    (select count(*) from prediction_sessions where created_at >= $1) as total,
    coalesce(round(avg(d.score)::numeric, 2), 0)::double precision as average_score
from detection_objects d
join prediction_sessions s on s.uid = d.prediction_uid
where s.created_at >= $1;
`

const QLabelCountsSince = `--sql 0a62c7b0-9616-41ec-872a-71110c021572
select d.label, count(*)
from detection_objects d
join prediction_sessions s on s.uid = d.prediction_uid
where s.created_at >= $1
group by d.label
order by count(*) desc, d.label asc;
`
